package aggregate

// Tool categories.
const (
	CategoryEdit    = "edit"
	CategoryRead    = "read"
	CategorySearch  = "search"
	CategoryExecute = "execute"
	CategoryWeb     = "web"
	CategoryAgent   = "agent"
	CategoryOther   = "other"
	// CategoryAll is the per-subject rollup across every category.
	CategoryAll = "all"
)

// Categorizer maps a tool name to its category.
type Categorizer interface {
	Category(toolName string) string
}

// CategoryMap is a table-driven Categorizer. Unknown tools map to CategoryOther.
type CategoryMap map[string]string

// Category implements Categorizer.
func (m CategoryMap) Category(toolName string) string {
	if c, ok := m[toolName]; ok && c != "" {
		return c
	}
	return CategoryOther
}

// DefaultCategories covers the host's built-in tool names.
func DefaultCategories() CategoryMap {
	return CategoryMap{
		"Edit":         CategoryEdit,
		"Write":        CategoryEdit,
		"MultiEdit":    CategoryEdit,
		"NotebookEdit": CategoryEdit,
		"Read":         CategoryRead,
		"NotebookRead": CategoryRead,
		"Grep":         CategorySearch,
		"Glob":         CategorySearch,
		"LS":           CategorySearch,
		"Bash":         CategoryExecute,
		"WebFetch":     CategoryWeb,
		"WebSearch":    CategoryWeb,
		"Task":         CategoryAgent,
	}
}

// Merge returns a copy of m overlaid with overrides.
func (m CategoryMap) Merge(overrides map[string]string) CategoryMap {
	out := make(CategoryMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
