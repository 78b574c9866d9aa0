package runner

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/strongdm/berth/internal/credentials"
)

// Options carries one launch request as given on the command line.
type Options struct {
	Agent       string
	Namespace   string
	Isolate     bool
	Credentials string
	NoNetwork   bool
	Firewall    bool
	ReadOnly    []string
	ReadWrite   []string
	Volumes     []string
	Env         []string
	Image       string
	Ephemeral   bool
	Resume      bool
	Verbose     bool

	// Project is the positional project directory; empty means the working
	// directory.
	Project string
	// Args are passed to the agent after its entry command.
	Args []string
}

// BindFlags registers the launch flags on fs.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Agent, "agent", "a", "", "agent variant ("+strings.Join(credentials.Variants(), "|")+")")
	fs.StringVarP(&o.Namespace, "namespace", "n", "", "client namespace")
	fs.BoolVar(&o.Isolate, "isolate", false, "isolate credentials and state per namespace")
	fs.StringVarP(&o.Credentials, "credentials", "c", "", "explicit credential directory to mount read-write")
	fs.BoolVar(&o.NoNetwork, "no-network", false, "run without any network access")
	fs.BoolVar(&o.Firewall, "firewall", false, "restrict egress to the domain allowlist")
	fs.StringArrayVar(&o.ReadOnly, "ro", nil, "extra read-only mount src:dst (repeatable)")
	fs.StringArrayVar(&o.ReadWrite, "rw", nil, "extra read-write mount src:dst (repeatable)")
	fs.StringArrayVarP(&o.Volumes, "volume", "v", nil, "extra mount src:dst[:ro|rw] (repeatable)")
	fs.StringArrayVarP(&o.Env, "env", "e", nil, "set KEY=VALUE, or pass KEY through from the host (repeatable)")
	fs.StringVar(&o.Image, "image", "", "container image (default $"+ImageEnv+", config, or "+DefaultImage+")")
	fs.BoolVar(&o.Ephemeral, "ephemeral", false, "do not mount a persistent home directory")
	fs.BoolVarP(&o.Resume, "resume", "r", false, "reattach to a running container for this project")
	fs.BoolVarP(&o.Verbose, "verbose", "V", false, "verbose output")
}

// SetPositional splits cobra positional arguments into the project path and
// trailing agent arguments. dash is the index of "--", or -1.
func (o *Options) SetPositional(args []string, dash int) {
	before := args
	var after []string
	if dash >= 0 && dash <= len(args) {
		before = args[:dash]
		after = args[dash:]
	}
	if len(before) > 0 {
		o.Project = before[0]
		after = append(append([]string{}, before[1:]...), after...)
	}
	o.Args = after
}
