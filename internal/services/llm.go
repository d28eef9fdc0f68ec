package services

// LLMParameters holds the optional sampling parameters shared by every provider. Nil fields keep the
// provider's default.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

// DefaultSystemPrompt instructs the model to act as a rules assistant that answers from the retrieved
// context, in markdown and in the language of the question.
const DefaultSystemPrompt = `You are a helpful RPG assistant.
You are helping a user understand the rules of a game.
You can answer the question based on the context provided.
The Answer will be interpreted in markdown.
Answer in the question language.`
