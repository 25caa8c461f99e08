package session

// Unknown marks a token count the transport did not report, as with
// streamed responses.
const Unknown = -1

// Totals are cumulative token counts for a session. LowerBound is set once
// any call reported Unknown and stays set: the totals are then a floor.
type Totals struct {
	Prompt     int  `json:"prompt_tokens" yaml:"prompt_tokens"`
	Completion int  `json:"completion_tokens" yaml:"completion_tokens"`
	Total      int  `json:"total_tokens" yaml:"total_tokens"`
	LowerBound bool `json:"lower_bound,omitempty" yaml:"lower_bound,omitempty"`
}

// Accountant accumulates token usage. Not safe for concurrent use.
type Accountant struct {
	totals Totals
}

// Record adds one call's counts. A negative count is treated as Unknown.
func (a *Accountant) Record(prompt, completion int) {
	if prompt < 0 || completion < 0 {
		a.totals.LowerBound = true
	}
	if prompt > 0 {
		a.totals.Prompt += prompt
		a.totals.Total += prompt
	}
	if completion > 0 {
		a.totals.Completion += completion
		a.totals.Total += completion
	}
}

func (a *Accountant) Totals() Totals { return a.totals }

// Restore replaces the totals, e.g. when loading a saved session.
func (a *Accountant) Restore(t Totals) {
	if t.Total < t.Prompt+t.Completion {
		t.Total = t.Prompt + t.Completion
	}
	a.totals = t
}

func (a *Accountant) Reset() { a.totals = Totals{} }
