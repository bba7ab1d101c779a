package mqtt

// Topics builds the topic names under one prefix.
type Topics struct {
	Prefix string
}

func (t Topics) Status() string      { return t.Prefix + "/status" }
func (t Topics) Temperature() string { return t.Prefix + "/temperature" }
func (t Topics) Valve() string       { return t.Prefix + "/valve" }
func (t Topics) Error() string       { return t.Prefix + "/error" }
func (t Topics) Command() string     { return t.Prefix + "/command" }
func (t Topics) Online() string      { return t.Prefix + "/online" }
