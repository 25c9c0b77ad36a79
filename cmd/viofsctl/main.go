// Command viofsctl talks to the control server of a running viofsd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rfratto/viofs/internal/control"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
)

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <label|statfs|stat NAME>\n", os.Args[0])
		fs.PrintDefaults()
	}
}

func main() {
	var (
		addr    string
		timeout time.Duration
	)

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&addr, "addr", "tcp://127.0.0.1:12195", "address of the viofsd control server")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "timeout for each request")
	fs.Usage = usage(fs)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := run(ctx, addr, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, args []string) error {
	cc, err := control.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer cc.Close()
	cli := control.NewClient(cc)

	switch args[0] {
	case "label":
		label, err := cli.VolumeLabel(ctx)
		if err != nil {
			return err
		}
		fmt.Println(label)
		return nil

	case "statfs":
		resp, err := submit(ctx, cli, fine.OpStatfs, fine.RootNode, nil)
		if err != nil {
			return err
		}
		st := resp.(*fine.StatfsResponse).Statfs

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "block size\t%d\n", st.BlockSize)
		fmt.Fprintf(tw, "blocks\t%d\n", st.Blocks)
		fmt.Fprintf(tw, "blocks free\t%d\n", st.BlocksFree)
		fmt.Fprintf(tw, "blocks available\t%d\n", st.BlocksAvailable)
		fmt.Fprintf(tw, "files\t%d\n", st.Files)
		fmt.Fprintf(tw, "files free\t%d\n", st.FilesFree)
		fmt.Fprintf(tw, "max name length\t%d\n", st.NameLength)
		return tw.Flush()

	case "stat":
		if len(args) != 2 {
			return fmt.Errorf("stat expects a single name in the root directory")
		}
		resp, err := submit(ctx, cli, fine.OpLookup, fine.RootNode, &fine.LookupRequest{Name: args[1]})
		if err != nil {
			return err
		}
		ent := resp.(*fine.EntryResponse).Entry

		// Give the lookup reference back so the host can drop the node.
		_, err = submit(ctx, cli, fine.OpForget, ent.Node, &fine.ForgetRequest{NumLookups: 1})
		if err != nil {
			return fmt.Errorf("forgetting %s: %w", args[1], err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "node\t%d\n", ent.Node)
		fmt.Fprintf(tw, "mode\t%s\n", ent.Attrib.Mode)
		fmt.Fprintf(tw, "size\t%d\n", ent.Attrib.Size)
		fmt.Fprintf(tw, "links\t%d\n", ent.Attrib.HardLinks)
		fmt.Fprintf(tw, "owner\t%d:%d\n", ent.Attrib.UID, ent.Attrib.GID)
		fmt.Fprintf(tw, "modified\t%s\n", ent.Attrib.LastModify.Format(time.RFC3339))
		return tw.Flush()

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// submit sends a single raw request. Request IDs have the top bit set so
// they never overlap with IDs chosen by the mounted session.
func submit(ctx context.Context, cli *control.Client, op fine.Op, node fine.Node, req fine.Request) (fine.Response, error) {
	hdr := fine.RequestHeader{
		Op:        op,
		RequestID: 1<<63 | uint64(time.Now().UnixNano())&(1<<63-1),
		Node:      node,
		PID:       uint32(os.Getpid()),
	}
	in, err := fuse.EncodeRequest(hdr, req)
	if err != nil {
		return nil, err
	}
	size := fuse.ResponseSize(op, req)
	out, err := cli.Submit(ctx, in, size)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	rh, resp, err := fuse.DecodeResponse(op, out)
	if err != nil {
		return nil, err
	}
	if rh.Error != 0 {
		return nil, fmt.Errorf("%s: %w", op, rh.Error)
	}
	return resp, nil
}
