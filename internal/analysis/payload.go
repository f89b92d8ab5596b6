package analysis

// FileAnalysisPayload is the payload of a file-analysis job.
type FileAnalysisPayload struct {
	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`
}

// DirectoryAnalysisPayload is the payload of a directory-analysis job.
// FilePaths lists the directory's analyzed files.
type DirectoryAnalysisPayload struct {
	DirPath   string   `json:"dir_path"`
	FilePaths []string `json:"file_paths"`
}

// GlobalAnalysisPayload is the payload of the repository-wide job.
type GlobalAnalysisPayload struct {
	FilePaths []string `json:"file_paths"`
}
