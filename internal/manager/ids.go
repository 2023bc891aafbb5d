package manager

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newInstanceID() string {
	id, err := generateTypeID("inst")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("inst-%d", time.Now().UTC().UnixNano())
}
