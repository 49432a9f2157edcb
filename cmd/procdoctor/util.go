package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/loykin/procdoctor/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func hintOf(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Hint
	}
	return ""
}

func onOff(s string) (bool, error) {
	switch s {
	case "on", "true", "enable", "1":
		return true, nil
	case "off", "false", "disable", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}
