package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workflow.BusinessTimezone != "+05:30" {
		t.Fatalf("timezone = %s", cfg.Workflow.BusinessTimezone)
	}
	if cfg.BusinessClock() == nil {
		t.Fatal("business clock not built")
	}
}

func TestBadTimezoneFailsAtLoad(t *testing.T) {
	for _, tz := range []string{"IST", "+5:30", "Asia/Kolkata", "+15:00"} {
		_, err := FromYAML([]byte("workflow:\n  business_timezone: \"" + tz + "\"\n"))
		if err == nil {
			t.Fatalf("timezone %q accepted", tz)
		}
		if !strings.Contains(err.Error(), "business_timezone") {
			t.Fatalf("error does not point at the field: %v", err)
		}
	}
}

func TestBadSLARejected(t *testing.T) {
	_, err := FromYAML([]byte("sla:\n  assignment_minutes: 0\n"))
	if err == nil {
		t.Fatal("zero assignment SLA accepted")
	}
}

func TestGeneratedDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template invalid: %v", err)
	}
	if cfg.SLA.ReportingMinutes != 480 {
		t.Fatalf("reporting sla = %d", cfg.SLA.ReportingMinutes)
	}
}
