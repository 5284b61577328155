package supervisor

import (
	"slices"
	"testing"

	"github.com/hle-world/hle-addon/internal/domain"
)

func TestClientArgs(t *testing.T) {
	cfg := domain.TunnelConfig{
		ID:         "t_1234",
		ServiceURL: "http://10.0.0.5:9000",
		Label:      "cam",
		AuthMode:   domain.AuthModeSSO,
		RelayHost:  "hle.world",
	}

	args := clientArgs(cfg)
	want := []string{
		"connect",
		"--service", "http://10.0.0.5:9000",
		"--label", "cam",
		"--auth", "sso",
		"--relay-host", "hle.world",
	}
	if !slices.Equal(args, want) {
		t.Fatalf("unexpected args: %v", args)
	}

	cfg.SkipTLSVerify = true
	cfg.Websockets = true
	cfg.UpstreamUser = "svc"
	cfg.UpstreamPass = "hunter2whatever"
	args = clientArgs(cfg)
	for _, flag := range []string{"--skip-tls-verify", "--websockets", "--upstream-auth"} {
		if !slices.Contains(args, flag) {
			t.Fatalf("expected %s in args %v", flag, args)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName("t_1234"); got != "hle-tunnel-t_1234" {
		t.Fatalf("unexpected container name %q", got)
	}
}
