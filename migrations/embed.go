// Package migrations embeds the PostgreSQL schema migrations and validates
// them before they are handed to golang-migrate. Embedding at build time
// keeps the migrator zero-config: the binary carries its own schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// filenameRegex enforces the naming standard: 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info holds the parsed components of one migration filename.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration filesystem for golang-migrate's iofs source.
func FS() fs.FS {
	return embedded
}

// List returns the embedded migration filenames that conform to the naming
// standard, in lexicographic order. Non-conforming files are ignored so a
// stray editor artifact never reaches the database.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded set before any state-changing operation:
// every file parses, every up has a down, and the sequence starts at 001
// with no gaps.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	parsed := make([]Info, 0, len(files))

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		if _, err := fs.ReadFile(embedded, file); err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		parsed = append(parsed, info)
	}

	if err := validatePairing(parsed); err != nil {
		return err
	}

	return validateSequence(parsed)
}

// Parse extracts the sequence, name, and direction from a migration filename.
func Parse(filename string) (Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return Info{}, fmt.Errorf(
			"invalid migration filename %s (expected 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Info{}, fmt.Errorf("invalid sequence in %s: %w", filename, err)
	}

	return Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(parsed []Info) error {
	directions := make(map[string]map[string]bool)

	for _, info := range parsed {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("orphaned down migration: missing up for %s", key)
		}

		if !seen["down"] {
			return fmt.Errorf("orphaned up migration: missing down for %s", key)
		}
	}

	return nil
}

func validateSequence(parsed []Info) error {
	seen := make(map[int]bool)

	for _, info := range parsed {
		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) > 0 && sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start at 001, found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				sequences[i-1]+1, sequences[i],
			)
		}
	}

	return nil
}
