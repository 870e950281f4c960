package main

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDebugFlagsHandlerWritesKnownFlags(t *testing.T) {
	rec := httptest.NewRecorder()
	debugFlagsHandler(rec, httptest.NewRequest("GET", "/debug/flags", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "-config_dir=") {
		t.Errorf("debugFlagsHandler output missing -config_dir: %s", body)
	}
}
