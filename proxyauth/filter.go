package proxyauth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLabels is returned when a username carries labels that can not
// be parsed.
var ErrInvalidLabels = errors.New("proxyauth: invalid username labels")

// LabelSeparator separates a username from its labels, as in
// "john-cc-us-residential".
const LabelSeparator = "-"

// Filter holds the upstream preferences a client encoded as labels in its
// proxy username. It is inserted into the request extensions when at least
// one label is present.
type Filter struct {
	ID          string `json:"id,omitempty"`
	Pool        string `json:"pool,omitempty"`
	Continent   string `json:"continent,omitempty"`
	Country     string `json:"country,omitempty"`
	City        string `json:"city,omitempty"`
	Carrier     string `json:"carrier,omitempty"`
	Datacenter  bool   `json:"datacenter,omitempty"`
	Residential bool   `json:"residential,omitempty"`
	Mobile      bool   `json:"mobile,omitempty"`
}

// ParseUsername splits a labelled username into the plain username and the
// filter it describes. Keys taking a value are id, pool, continent, country
// (or cc), city and carrier; datacenter (or dc), residential (or res) and
// mobile (or mob) are flags. Keys are case insensitive.
func ParseUsername(username string) (string, *Filter, error) {
	parts := strings.Split(username, LabelSeparator)
	if parts[0] == "" {
		return "", nil, fmt.Errorf("%w: empty username", ErrInvalidLabels)
	}
	if len(parts) == 1 {
		return parts[0], nil, nil
	}

	f := &Filter{}
	labels := parts[1:]
	for i := 0; i < len(labels); i++ {
		key := strings.ToLower(labels[i])
		var value *string
		switch key {
		case "id":
			value = &f.ID
		case "pool":
			value = &f.Pool
		case "continent":
			value = &f.Continent
		case "country", "cc":
			value = &f.Country
		case "city":
			value = &f.City
		case "carrier":
			value = &f.Carrier
		case "datacenter", "dc":
			f.Datacenter = true
			continue
		case "residential", "res":
			f.Residential = true
			continue
		case "mobile", "mob":
			f.Mobile = true
			continue
		default:
			return "", nil, fmt.Errorf("%w: unknown key %q", ErrInvalidLabels, labels[i])
		}
		if i+1 >= len(labels) || labels[i+1] == "" {
			return "", nil, fmt.Errorf("%w: key %q has no value", ErrInvalidLabels, key)
		}
		i++
		*value = labels[i]
	}
	return parts[0], f, nil
}
