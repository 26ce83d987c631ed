package secrets

import (
	"slices"
	"testing"
)

func TestEnvLookup(t *testing.T) {
	t.Setenv("GITHUB_PERSONAL_ACCESS_TOKEN", "tok")
	t.Setenv("BRIDGE_SLACK_BOT_TOKEN", "tok2")

	t.Run("dotted name", func(t *testing.T) {
		v, ok := Env{}.Lookup("github.personal_access_token")
		if !ok || v != "tok" {
			t.Errorf("Lookup() = %q, %v", v, ok)
		}
	})

	t.Run("prefix", func(t *testing.T) {
		v, ok := Env{Prefix: "BRIDGE_"}.Lookup("slack.bot-token")
		if !ok || v != "tok2" {
			t.Errorf("Lookup() = %q, %v", v, ok)
		}
	})

	t.Run("absent", func(t *testing.T) {
		if _, ok := (Env{}).Lookup("nope.secret"); ok {
			t.Error("Lookup() found a secret that does not exist")
		}
	})
}

func TestMissing(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok")
	got := Missing(Env{}, []string{"github.token", "slack.token", "other.key"})
	want := []string{"slack.token", "other.key"}
	if !slices.Equal(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}
}
