package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/backkem/netservice/pkg/netservice"
	"github.com/backkem/netservice/pkg/txtrecord"
)

type resolveOptions struct {
	name    string
	typ     string
	domain  string
	timeout time.Duration
}

func newResolveCommand(global *globalOptions) *cobra.Command {
	var opts resolveOptions

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Look up host, port, addresses and TXT record of a service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd, global, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "instance name")
	f.StringVar(&opts.typ, "type", "", "service type, e.g. _echo._tcp")
	f.StringVar(&opts.domain, "domain", "local.", "service domain")
	f.DurationVar(&opts.timeout, "timeout", netservice.DefaultResolveTimeout, "give up after this long")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runResolve(cmd *cobra.Command, global *globalOptions, opts resolveOptions) error {
	env, err := newEnvironment(global)
	if err != nil {
		return err
	}
	defer env.close()

	svc := netservice.NewService(env.config, opts.domain, opts.typ, opts.name, netservice.UnassignedPort)
	defer svc.Close()

	done := make(chan error, 1)
	svc.SetDelegate(&resolveDelegate{done: done})

	if err := svc.Resolve(opts.timeout); err != nil {
		return err
	}

	select {
	case <-cmd.Context().Done():
		return nil
	case err := <-done:
		if err != nil {
			return err
		}
	}

	printService(cmd.OutOrStdout(), svc)
	return nil
}

type resolveDelegate struct {
	netservice.NopDelegate
	done chan<- error
}

func (d *resolveDelegate) DidResolveAddress(*netservice.Service) {
	d.done <- nil
}

func (d *resolveDelegate) DidNotResolve(_ *netservice.Service, err *netservice.Error) {
	select {
	case d.done <- err:
	default:
	}
}

func printService(w io.Writer, s *netservice.Service) {
	fmt.Fprintf(w, "name:    %s\n", s.Name())
	fmt.Fprintf(w, "type:    %s\n", s.Type())
	fmt.Fprintf(w, "domain:  %s\n", s.Domain())
	fmt.Fprintf(w, "host:    %s\n", s.HostName())
	fmt.Fprintf(w, "port:    %d\n", s.Port())
	for _, ip := range s.Addresses() {
		fmt.Fprintf(w, "address: %s\n", ip)
	}

	txt := txtrecord.Decode(s.TXTRecordData())
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "txt:     %s=%s\n", k, txt[k])
	}
}
