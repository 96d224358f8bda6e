package main

import (
	"context"
	"fmt"
	"os"

	"github.com/andreyvit/tap"
	"github.com/andreyvit/tap/journal"
	"github.com/andreyvit/tap/store"
	"github.com/andreyvit/tap/value"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func dumpFlags(cmd *cli.Command) tap.DumpFlags {
	f := tap.DumpSections | tap.DumpRecords
	if cmd.Bool("payloads") {
		f |= tap.DumpPayloads
	}
	return f
}

func args(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return errors.Errorf("usage: tapdump %s %s", cmd.Name, cmd.ArgsUsage)
	}
	return nil
}

func dumpBufferFile(ctx context.Context, cmd *cli.Command) error {
	if err := args(cmd, 1); err != nil {
		return err
	}
	path := cmd.Args().First()
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	fmt.Fprint(stdout, tap.Dump(data, value.NewHeap().Registry(), dumpFlags(cmd)))
	return nil
}

func openJournal(cmd *cli.Command, logger *zap.Logger) *journal.Journal {
	reg := value.NewHeap().Registry()
	return journal.New(cmd.Args().First(), journal.Options{
		FileName:  cmd.String("pattern"),
		Invariant: journal.RegistryInvariant(reg),
		Logger:    logger,
		Verbose:   cmd.Bool("verbose"),
	})
}

func dumpJournal(ctx context.Context, cmd *cli.Command) error {
	if err := args(cmd, 1); err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	j := openJournal(cmd, logger)
	segs, err := j.Segments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		fmt.Fprintf(stdout, "segment %d: %s (first record %d)\n", seg.Ordinal, seg.Name, seg.FirstID)
	}

	reg := value.NewHeap().Registry()
	var n int
	err = j.Walk(func(rec journal.Record) error {
		n++
		fmt.Fprintf(stdout, "record %d (segment %d, ts %d, %d bytes)\n", rec.ID, rec.Segment, rec.Timestamp, len(rec.Data))
		fmt.Fprint(stdout, tap.Dump(rec.Data, reg, dumpFlags(cmd)))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d records\n", n)
	return nil
}

func parseRole(s string) (tap.Role, error) {
	switch s {
	case "primary":
		return tap.Primary, nil
	case "secondary":
		return tap.Secondary, nil
	default:
		return 0, errors.Errorf("invalid role %q", s)
	}
}

func replayJournal(ctx context.Context, cmd *cli.Command) error {
	if err := args(cmd, 1); err != nil {
		return err
	}
	role, err := parseRole(cmd.String("role"))
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	h := value.NewHeap()
	p := h.NewPeer(h.NewInstance(logger), role, tap.Options{Logger: logger, Verbose: cmd.Bool("verbose")})
	defer p.Close()

	root, n, err := journal.Replay(openJournal(cmd, logger), p)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "replayed %d records, root %s\n", n, describe(p, root))
	fmt.Fprint(stdout, p.Dump(tap.DumpAll))
	return nil
}

func describe(p *tap.Peer, obj any) string {
	if obj == nil {
		return "nil"
	}
	k, err := p.KeyFor(obj)
	if err != nil {
		return fmt.Sprintf("%T", obj)
	}
	return fmt.Sprintf("%v (%s)", k, p.Registry().ForObject(obj).Name())
}

func openStore(cmd *cli.Command) (*store.Store, *zap.Logger, error) {
	logger, err := newLogger(cmd)
	if err != nil {
		return nil, nil, err
	}
	path := cmd.Args().First()
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}
	s, err := store.Open(path, store.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return s, logger, nil
}

func listSessions(ctx context.Context, cmd *cli.Command) error {
	if err := args(cmd, 1); err != nil {
		return err
	}
	s, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer s.Close()

	sessions, err := s.Sessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		state := "open"
		if sess.Closed {
			state = "closed"
		}
		fmt.Fprintf(stdout, "%v %s %s frames=%d sent=%d recv=%d created=%s remote=%q\n",
			sess.ID, sess.Role, state, sess.Frames, sess.Sent, sess.Recv, sess.Created.UTC().Format("2006-01-02T15:04:05Z"), sess.Remote)
	}
	return nil
}

func dumpFrames(ctx context.Context, cmd *cli.Command) error {
	if err := args(cmd, 2); err != nil {
		return err
	}
	id, err := uuid.Parse(cmd.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "invalid session id")
	}
	s, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer s.Close()

	reg := value.NewHeap().Registry()
	return s.Frames(id, func(f store.Frame) error {
		fmt.Fprintf(stdout, "frame %d %s (%d bytes)\n", f.Seq, f.Direction, len(f.Data))
		fmt.Fprint(stdout, tap.Dump(f.Data, reg, dumpFlags(cmd)))
		return nil
	})
}
