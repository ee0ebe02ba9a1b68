package config

// ConfigBackend is the platform store for non-secret keys. Get returns the
// stored value in its textual form; Set receives the value already parsed
// for the key's type (string, int, bool, float64 or time.Duration) so the
// backend can keep it natively typed.
type ConfigBackend interface {
	Get(key string) (raw string, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}
