package domain

// Well-known service type slugs.
const (
	ServiceCloudflare  = "cloudflare"
	ServiceNamecheap   = "namecheap"
	ServiceHostTracker = "hosttracker"
	ServiceMailHost    = "mailhost"
)

// FieldSpec describes one credential field a service account requires.
type FieldSpec struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret"`
}

// ServiceType is a global catalog entry for an external service: its auth
// method and the schema of account fields. The schema drives both account form
// rendering and payload validation.
type ServiceType struct {
	ID         string
	Slug       string
	Name       string
	AuthMethod string
	Fields     []FieldSpec
}

// Field returns the spec for a named field, if declared.
func (t ServiceType) Field(name string) (FieldSpec, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
