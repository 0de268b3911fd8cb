package config

// ConfigBackend is the persistent layer under the CUC_* environment
// overrides. On darwin it is the com.cuc.app defaults domain; elsewhere a
// flat JSON file under $XDG_CONFIG_HOME/cuc. Floats, bools and durations are
// stored as strings and parsed by the key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
