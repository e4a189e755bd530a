package session

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

const sessionIDPrefix = "sbx"

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newSessionID() string {
	id, err := generateTypeID(sessionIDPrefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", sessionIDPrefix, time.Now().UTC().UnixNano())
}
