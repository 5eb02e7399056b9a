package models

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	SystemPrompt = "You are an expert Compact developer"

	// chunk metadata keys, shared by every vector index backend
	MetaSource     = "source"
	MetaPageNumber = "page"
	MetaChunkID    = "chunk_id"
	MetaStart      = "start"
	MetaEnd        = "end"

	ContextSeparator = "\n\n"
)

var (
	WelcomeMessage = `Welcome to CompactBot, your personal assistant for generating, troubleshooting, and understanding Compact code. I have been trained on Midnight's documentation of the Compact smart contract programming language. The more detailed your question is, the better I can answer it.

For example, instead of asking me "Write me a Compact code to implement a simple voting contract", tell me which functionalities you want: "Write Compact code to implement a simple voting contract. The contract should enable a predefined list of participants to vote on a binary choice (e.g., Yes/No). Each participant is identified by a unique ID and can vote only once. The contract should tally votes for both choices and ensure the integrity and confidentiality of the voting process."

Please ask me any question you might have about or related to Compact.`
)
