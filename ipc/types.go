package ipc

import (
	"fmt"
	"strings"
)

// maxMessageSize is the read limit for a single encoded value.
const maxMessageSize = 16 << 20

// handle is the serialized form of a channel half: the hub socket to dial and the endpoint to attach to.
type handle struct {
	Socket string `json:"socket"`
	ID     string `json:"id"`
}

func (h handle) name() string {
	return h.Socket + "#" + h.ID
}

func (h handle) path() string {
	return "/chan/" + h.ID
}

func parseName(name string) (handle, error) {
	i := strings.LastIndex(name, "#")
	if i <= 0 || i == len(name)-1 {
		return handle{}, fmt.Errorf("malformed channel name %q", name)
	}
	return handle{Socket: name[:i], ID: name[i+1:]}, nil
}
