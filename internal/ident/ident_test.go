package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPOIID verifies stable id construction for the documented formats.
func TestPOIID(t *testing.T) {
	tests := []struct {
		name string
		poi  POI
		want string
	}{
		{
			name: "function with line",
			poi:  POI{Kind: KindFunction, Name: "parseConfig", FilePath: "src/config.js", Line: 42},
			want: "function:parseConfig@src/config.js:42",
		},
		{
			name: "file without line",
			poi:  POI{Kind: KindFile, Name: "main.js", FilePath: "src/main.js"},
			want: "file:main.js@src/main.js",
		},
		{
			name: "class at line one",
			poi:  POI{Kind: KindClass, Name: "Scheduler", FilePath: "lib/scheduler.js", Line: 1},
			want: "class:Scheduler@lib/scheduler.js:1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.poi.ID())
		})
	}
}

// TestParseID verifies round-tripping of stable ids, including names that
// contain separators and paths without a line suffix.
func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    POI
		wantErr bool
	}{
		{
			name: "function with line",
			id:   "function:parseConfig@src/config.js:42",
			want: POI{Kind: KindFunction, Name: "parseConfig", FilePath: "src/config.js", Line: 42},
		},
		{
			name: "file without line",
			id:   "file:main.js@src/main.js",
			want: POI{Kind: KindFile, Name: "main.js", FilePath: "src/main.js"},
		},
		{
			name: "method name containing colon",
			id:   "method:Scheduler:run@lib/scheduler.js:7",
			want: POI{Kind: KindMethod, Name: "Scheduler:run", FilePath: "lib/scheduler.js", Line: 7},
		},
		{
			name: "windows-flavored path without line",
			id:   "file:c.js@C:/repo/c.js",
			want: POI{Kind: KindFile, Name: "c.js", FilePath: "C:/repo/c.js"},
		},
		{
			name:    "missing kind",
			id:      "parseConfig@src/config.js",
			wantErr: true,
		},
		{
			name:    "missing file separator",
			id:      "function:parseConfig",
			wantErr: true,
		},
		{
			name:    "empty file path",
			id:      "function:parseConfig@",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseID(tt.id)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestParseIDRoundTrip verifies ParseID(poi.ID()) == poi for valid POIs.
func TestParseIDRoundTrip(t *testing.T) {
	pois := []POI{
		{Kind: KindFunction, Name: "foo", FilePath: "a.js", Line: 3},
		{Kind: KindVariable, Name: "MAX", FilePath: "deep/nested/path/mod.js", Line: 12},
		FilePOI("src/util/strings.js"),
	}

	for _, poi := range pois {
		got, err := ParseID(poi.ID())
		require.NoError(t, err)
		assert.Equal(t, poi, got)
	}
}

// TestRelationshipHashDeterminism verifies that the digest depends only on the
// (source, target, type) triple.
func TestRelationshipHashDeterminism(t *testing.T) {
	a := "function:foo@a.js:1"
	b := "function:bar@b.js:1"

	h1 := RelationshipHash(a, b, TypeCalls)
	h2 := RelationshipHash(a, b, TypeCalls)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // blake3-256 hex

	// Different type, different digest.
	assert.NotEqual(t, h1, RelationshipHash(a, b, TypeUses))
}

// TestRelationshipHashDirection verifies the order sensitivity contract:
// undirected types are symmetric in node order, directed types are not.
func TestRelationshipHashDirection(t *testing.T) {
	a := "function:foo@a.js:1"
	b := "function:bar@b.js:1"

	// RELATED_TO is undirected: symmetric.
	assert.Equal(t,
		RelationshipHash(a, b, TypeRelatedTo),
		RelationshipHash(b, a, TypeRelatedTo),
	)

	// CALLS is directed: A calls B is a different edge from B calls A.
	assert.NotEqual(t,
		RelationshipHash(a, b, TypeCalls),
		RelationshipHash(b, a, TypeCalls),
	)

	// Both directions are individually deterministic.
	assert.Equal(t, RelationshipHash(b, a, TypeCalls), RelationshipHash(b, a, TypeCalls))
}

// TestEvidenceID verifies the idempotency key: same job and hash collide,
// different jobs produce distinct evidence ids.
func TestEvidenceID(t *testing.T) {
	hash := RelationshipHash("function:foo@a.js:1", "function:bar@b.js:1", TypeCalls)

	assert.Equal(t, EvidenceID("job-1", hash), EvidenceID("job-1", hash))
	assert.NotEqual(t, EvidenceID("job-1", hash), EvidenceID("job-2", hash))
}

// TestValidateRelationshipType verifies the closed registry.
func TestValidateRelationshipType(t *testing.T) {
	for _, relType := range RelationshipTypes() {
		assert.NoError(t, ValidateRelationshipType(relType))
	}

	err := ValidateRelationshipType("SUMMONS")
	require.ErrorIs(t, err, ErrUnknownRelationshipType)
}

// TestWorkerKindAuthority verifies the analysis authority ranking used for
// expectation raises: global > directory > file.
func TestWorkerKindAuthority(t *testing.T) {
	assert.Greater(t, WorkerGlobal.Authority(), WorkerDirectory.Authority())
	assert.Greater(t, WorkerDirectory.Authority(), WorkerFile.Authority())
	assert.Zero(t, WorkerValidation.Authority())
	assert.Zero(t, WorkerGraphBuild.Authority())

	assert.True(t, WorkerGlobal.IsAnalysis())
	assert.False(t, WorkerReconcile.IsAnalysis())
}

// TestParseWorkerKind verifies parsing of stored worker kinds.
func TestParseWorkerKind(t *testing.T) {
	kind, err := ParseWorkerKind("directory")
	require.NoError(t, err)
	assert.Equal(t, WorkerDirectory, kind)

	_, err = ParseWorkerKind("coordinator")
	require.ErrorIs(t, err, ErrUnknownWorkerKind)
}

// TestPOIValidate verifies required identity components.
func TestPOIValidate(t *testing.T) {
	valid := POI{Kind: KindFunction, Name: "foo", FilePath: "a.js"}
	require.NoError(t, valid.Validate())

	assert.ErrorIs(t, POI{Name: "foo", FilePath: "a.js"}.Validate(), ErrEmptyKind)
	assert.ErrorIs(t, POI{Kind: KindFunction, FilePath: "a.js"}.Validate(), ErrEmptyName)
	assert.ErrorIs(t, POI{Kind: KindFunction, Name: "foo"}.Validate(), ErrEmptyFilePath)
}
