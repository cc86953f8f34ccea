package proposal

// Kind classifies what an action does to its path.
type Kind string

const (
	KindCreate Kind = "create"
	KindEdit   Kind = "edit"
	KindDelete Kind = "delete"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindEdit, KindDelete:
		return true
	}
	return false
}

// Action is one intent to mutate a workspace path, as parsed from model
// output. It is read-only once built; only its effects persist.
type Action struct {
	Kind        Kind   `json:"kind"`
	Path        string `json:"path"`
	Content     string `json:"content,omitempty"`
	IsDirectory bool   `json:"isDirectory,omitempty"`
}
