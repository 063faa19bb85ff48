package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/backkem/netservice/pkg/netservice"
)

type browseOptions struct {
	typ      string
	domain   string
	duration time.Duration
}

func newBrowseCommand(global *globalOptions) *cobra.Command {
	var opts browseOptions

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List instances of a service type as they come and go",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBrowse(cmd, global, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.typ, "type", "", "service type, e.g. _echo._tcp")
	f.StringVar(&opts.domain, "domain", "local.", "service domain")
	f.DurationVar(&opts.duration, "duration", 0, "stop after this long (default: until interrupted)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runBrowse(cmd *cobra.Command, global *globalOptions, opts browseOptions) error {
	env, err := newEnvironment(global)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	b := netservice.NewBrowser(env.config)
	defer b.Close()

	failed := make(chan *netservice.Error, 1)
	b.SetDelegate(&browseDelegate{out: cmd.OutOrStdout(), failed: failed})

	if err := b.SearchForServices(opts.typ, opts.domain); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

type browseDelegate struct {
	netservice.NopBrowserDelegate

	out    io.Writer
	failed chan<- *netservice.Error
}

func (d *browseDelegate) DidFindService(_ *netservice.Browser, s *netservice.Service, _ bool) {
	fmt.Fprintf(d.out, "+ %q %s%s\n", s.Name(), s.Type(), s.Domain())
}

func (d *browseDelegate) DidRemoveService(_ *netservice.Browser, s *netservice.Service, _ bool) {
	fmt.Fprintf(d.out, "- %q %s%s\n", s.Name(), s.Type(), s.Domain())
}

func (d *browseDelegate) DidNotSearch(_ *netservice.Browser, err *netservice.Error) {
	select {
	case d.failed <- err:
	default:
	}
}
