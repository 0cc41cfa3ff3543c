package ssh

import (
	"context"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/execcontext"
)

// Runner executes commands on a remote host.
type Runner interface {
	Run(ctx context.Context, ec execcontext.Context, cmd ...string) (stdout, stderr string, err error)
}
