package main

import "testing"

func TestParseSignup(t *testing.T) {
	tests := []struct {
		args                  []string
		name, email, password string
		ok                    bool
	}{
		{[]string{"Alice", "alice@example.com", "secret"}, "Alice", "alice@example.com", "secret", true},
		{[]string{"Alice", "van", "Dijk", "alice@example.com", "secret"}, "Alice van Dijk", "alice@example.com", "secret", true},
		{[]string{"alice@example.com", "secret"}, "", "", "", false},
		{nil, "", "", "", false},
	}
	for _, tt := range tests {
		name, email, password, ok := parseSignup(tt.args)
		if ok != tt.ok || name != tt.name || email != tt.email || password != tt.password {
			t.Errorf("parseSignup(%q) = %q, %q, %q, %v; expected %q, %q, %q, %v",
				tt.args, name, email, password, ok, tt.name, tt.email, tt.password, tt.ok)
		}
	}
}
