// Package schemas carries the JSON Schemas for the model response and the
// public wire frames.
package schemas

import "embed"

//go:embed *.schema.json
var FS embed.FS

func Read(name string) (string, error) {
	b, err := FS.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
