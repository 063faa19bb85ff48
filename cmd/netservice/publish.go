package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/backkem/netservice/pkg/netservice"
	"github.com/backkem/netservice/pkg/runloop"
	"github.com/backkem/netservice/pkg/stream"
	"github.com/backkem/netservice/pkg/txtrecord"
)

type publishOptions struct {
	name     string
	typ      string
	domain   string
	port     int
	listen   bool
	noRename bool
	txt      []string
}

func newPublishCommand(global *globalOptions) *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Advertise a service until interrupted",
		Long: "Advertise a service until interrupted. With --listen a TCP listener is bound " +
			"on the service port and every accepted connection is echoed back.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(cmd, global, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "instance name (default: host name)")
	f.StringVar(&opts.typ, "type", "", "service type, e.g. _echo._tcp")
	f.StringVar(&opts.domain, "domain", "local.", "service domain")
	f.IntVar(&opts.port, "port", netservice.UnassignedPort, "service port (-1 or 0 picks one, requires --listen)")
	f.BoolVar(&opts.listen, "listen", false, "accept and echo TCP connections on the service port")
	f.BoolVar(&opts.noRename, "no-rename", false, "fail instead of renaming on a name conflict")
	f.StringArrayVar(&opts.txt, "txt", nil, "TXT record entry key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runPublish(cmd *cobra.Command, global *globalOptions, opts publishOptions) error {
	txt, err := parseTXT(opts.txt)
	if err != nil {
		return err
	}

	env, err := newEnvironment(global)
	if err != nil {
		return err
	}
	defer env.close()

	svc := netservice.NewService(env.config, opts.domain, opts.typ, opts.name, opts.port)
	defer svc.Close()

	failed := make(chan *netservice.Error, 1)
	svc.SetDelegate(&publishDelegate{
		out:    cmd.OutOrStdout(),
		loop:   env.loop,
		failed: failed,
	})

	if err := svc.SetTXTRecordData(txt); err != nil {
		return err
	}

	var flags netservice.Options
	if opts.listen {
		flags |= netservice.ListenForConnections
	}
	if opts.noRename {
		flags |= netservice.NoAutoRename
	}
	if err := svc.Publish(flags); err != nil {
		return err
	}

	select {
	case <-cmd.Context().Done():
		return nil
	case err := <-failed:
		return err
	}
}

func parseTXT(entries []string) ([]byte, error) {
	m := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		key, value, _ := strings.Cut(entry, "=")
		if key == "" {
			return nil, fmt.Errorf("invalid TXT entry %q", entry)
		}
		m[key] = []byte(value)
	}
	return txtrecord.Encode(m)
}

type publishDelegate struct {
	netservice.NopDelegate

	out    io.Writer
	loop   *runloop.Loop
	failed chan<- *netservice.Error
}

func (d *publishDelegate) DidPublish(s *netservice.Service) {
	fmt.Fprintf(d.out, "published %q %s%s port %d\n", s.Name(), s.Type(), s.Domain(), s.Port())
}

func (d *publishDelegate) DidNotPublish(_ *netservice.Service, err *netservice.Error) {
	select {
	case d.failed <- err:
	default:
	}
}

func (d *publishDelegate) DidStop(s *netservice.Service) {
	fmt.Fprintf(d.out, "stopped %q\n", s.Name())
}

func (d *publishDelegate) DidAcceptConnection(_ *netservice.Service, in *stream.InputStream, out *stream.OutputStream) {
	fmt.Fprintln(d.out, "accepted connection")
	e := &echo{in: in, out: out, log: d.out}
	if err := e.start(d.loop); err != nil {
		fmt.Fprintf(d.out, "echo: %v\n", err)
		e.close()
	}
}

// echo copies everything read from a connection back to it.
type echo struct {
	in  *stream.InputStream
	out *stream.OutputStream
	log io.Writer
	buf [4096]byte
}

func (e *echo) start(loop *runloop.Loop) error {
	if err := e.in.Open(); err != nil {
		return err
	}
	if err := e.out.Open(); err != nil {
		return err
	}
	e.in.Schedule(loop, e.handle)
	return nil
}

func (e *echo) handle(ev stream.Event) {
	switch ev {
	case stream.EventHasBytesAvailable:
		n, err := e.in.Read(e.buf[:])
		if n > 0 {
			if _, werr := e.out.Write(e.buf[:n]); werr != nil {
				err = werr
			}
		}
		if err != nil {
			fmt.Fprintf(e.log, "connection closed: %v\n", err)
			e.close()
		}
	case stream.EventEndEncountered:
		fmt.Fprintln(e.log, "connection closed by peer")
		e.close()
	case stream.EventErrorOccurred:
		fmt.Fprintf(e.log, "connection error: %v\n", e.in.Err())
		e.close()
	}
}

func (e *echo) close() {
	_ = e.in.Close()
	_ = e.out.Close()
}
