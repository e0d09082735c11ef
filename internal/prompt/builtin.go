package prompt

// Separator divides accumulated context in feedback and repair prompts.
const Separator = "\n\n----------------\n\n"

// DefaultRefine is appended to the running prompt on every feedback round.
// Variables: previous, feedback.
var DefaultRefine = MustParse(Separator + "Previous result: {previous}" + Separator +
	"Iterate on the previous result based on this feedback: {feedback}")

// DefaultRepair asks the model to fix an artifact that failed to execute.
// Variables: request, artifact, diagnostic.
var DefaultRepair = MustParse("The following was generated for this request:\n\n{request}\n\n" +
	"but it encountered an error when run:\n\nArtifact: {artifact}\nError: {diagnostic}\n\n" +
	"Please provide an updated version that will run successfully. Respond with only the updated artifact.")

// DefaultCombine merges ordered worker outputs.
// Variables: results.
var DefaultCombine = MustParse("Clean up and combine the following results into a single final result. " +
	"Results:\n\n{results}")
