package llm

import (
	"fmt"
	"strings"

	"github.com/cartograph-io/cartographer/internal/ident"
)

// SystemPrompt is shared by every analysis round.
const SystemPrompt = `You are a static-analysis assistant for a code knowledge graph.
You identify points of interest (functions, classes, methods, variables, imports)
and candidate relationships between them. Respond with a single JSON object and
nothing else: no prose, no markdown fences.`

func relationshipTypeList() string {
	return strings.Join(ident.RelationshipTypes(), ", ")
}

// BuildFilePrompt builds the prompt for a single-file analysis round.
func BuildFilePrompt(path, content string) string {
	return fmt.Sprintf(`Analyze this source file and report points of interest and the
relationships between them. Relationships may also point at symbols defined in
other files; name the target and, when you can infer it, its file path.

Allowed relationship types: %s.

The response must conform to this JSON schema:
%s

File: %s
---
%s
---`, relationshipTypeList(), SchemaText(), path, content)
}

// BuildDirectoryPrompt builds the prompt for a directory-scope round. Each
// entry of summaries is "path: poi list" for one file in the directory.
func BuildDirectoryPrompt(dir string, summaries []string) string {
	return fmt.Sprintf(`Analyze the files of one directory as a unit and report
cross-file relationships a single-file view would miss (shared state, intra-package
calls, sibling imports). Report only relationships, with file paths on both
endpoints; leave "pois" empty.

Allowed relationship types: %s.

The response must conform to this JSON schema:
%s

Directory: %s
Files:
%s`, relationshipTypeList(), SchemaText(), dir, strings.Join(summaries, "\n"))
}

// BuildGlobalPrompt builds the prompt for the repository-wide round. Each
// entry of summaries is "path: poi list" for one analyzed file.
func BuildGlobalPrompt(summaries []string) string {
	return fmt.Sprintf(`Analyze this repository-wide symbol inventory and report
architectural relationships between distant files (entry points to handlers,
interfaces to implementations, configuration to consumers). Report only
relationships, with file paths on both endpoints; leave "pois" empty.

Allowed relationship types: %s.

The response must conform to this JSON schema:
%s

Repository inventory:
%s`, relationshipTypeList(), SchemaText(), strings.Join(summaries, "\n"))
}

// BuildCorrectionPrompt builds the single retry prompt sent after a response
// fails to parse. It embeds the broken response and the parse error.
func BuildCorrectionPrompt(response string, parseErr error) string {
	return fmt.Sprintf(`Your previous response could not be parsed.

Error: %s

Previous response:
---
%s
---

Resend the full result as a single JSON object conforming to this schema, with
no surrounding text:
%s`, parseErr, response, SchemaText())
}
