package types

// Model is a model file discovered on disk.
type Model struct {
	// Filename of the model.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name"`
	// Absolute path to the model file on disk.
	Path string `json:"path"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Version stamp derived from size and modification time.
	Version string `json:"version"`
}

