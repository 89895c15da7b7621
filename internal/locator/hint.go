package locator

import "fmt"

// Hint is the textual root-cause pattern found at a source line.
type Hint int

const (
	HintUnknown Hint = iota
	// HintChainSever: a pointer field that was used to walk further nodes is set to null.
	HintChainSever
	// HintReassignWithoutFree: the variable that receives the block is later given a
	// new value while the block is still unreleased.
	HintReassignWithoutFree
)

var hintNames = [...]string{
	HintUnknown:             "unknown",
	HintChainSever:          "chain_sever",
	HintReassignWithoutFree: "reassign_without_free",
}

func (h Hint) String() string {
	if h < 0 || int(h) >= len(hintNames) {
		return fmt.Sprintf("hint(%d)", int(h))
	}
	return hintNames[h]
}

func (h Hint) MarshalText() ([]byte, error) {
	if h < 0 || int(h) >= len(hintNames) {
		return nil, fmt.Errorf("invalid hint %d", int(h))
	}
	return []byte(hintNames[h]), nil
}

func (h *Hint) UnmarshalText(b []byte) error {
	for i, name := range hintNames {
		if name == string(b) {
			*h = Hint(i)
			return nil
		}
	}
	return fmt.Errorf("unknown hint %q", string(b))
}
