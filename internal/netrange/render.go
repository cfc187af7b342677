package netrange

import "strconv"

// String renders r in the form the proxy map expects: a bare address for
// host-sized ranges, network/len for everything else.
func (r Range) String() string {
	if !r.IsValid() {
		return "invalid Range"
	}
	addr := r.Addr().String()
	if r.IsHost() {
		return addr
	}
	return addr + "/" + strconv.Itoa(r.bits)
}

// Canonical parses raw and renders it back, e.g. "10.0.0.1/32" -> "10.0.0.1".
func Canonical(raw string) (string, error) {
	r, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// Strings renders every range in order.
func Strings(ranges []Range) []string {
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.String()
	}
	return out
}
