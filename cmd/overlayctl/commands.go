package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/overlay/pkg/image"
	"github.com/fortiblox/overlay/pkg/overlay"
	"github.com/fortiblox/overlay/pkg/trace"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func (a *app) demo(args []string) error {
	out := "demo.elf"
	if len(args) > 1 {
		return fmt.Errorf("%w: demo [out.elf]", errUsage)
	}
	if len(args) == 1 {
		out = args[0]
	}

	funcs := image.Demo()
	data, err := image.MarshalELF(funcs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%s, %d functions)\n", out, units.HumanSize(float64(len(data))), len(funcs))
	return nil
}

func (a *app) importImage(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: import <file.elf> [name]", errUsage)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	if len(args) == 2 {
		name = args[1]
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Put(name, data)
	if err != nil {
		return err
	}
	a.log.Debug("image stored", zap.String("name", name), zap.Stringer("id", id))
	fmt.Println(id)
	return nil
}

func (a *app) list(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: list", errUsage)
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	all, err := store.List()
	if err != nil {
		return err
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tFUNCTIONS\tSIZE\tSTORED")
	for _, m := range all {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID.Short(), m.Name, len(m.Functions),
			units.HumanSize(float64(m.Size)), units.HumanDuration(time.Since(m.StoredAt))+" ago")
	}
	return w.Flush()
}

func parseArgs(in []string) (overlay.Args, error) {
	var args overlay.Args
	if len(in) > len(args) {
		return args, fmt.Errorf("at most %d arguments", len(args))
	}
	for i, s := range in {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			n, nerr := strconv.ParseInt(s, 0, 64)
			if nerr != nil {
				return args, fmt.Errorf("argument %d: %w", i+1, err)
			}
			v = uint64(n)
		}
		args[i] = v
	}
	return args, nil
}

func (a *app) run(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: run <image> <function> [args...]", errUsage)
	}
	callArgs, err := parseArgs(args[2:])
	if err != nil {
		return err
	}

	s, err := a.openSession(args[0])
	if err != nil {
		return err
	}
	v, callErr := s.call(args[1], callArgs)
	if callErr == nil {
		fmt.Printf("%s = %d (0x%x)\n", args[1], v, v)
		printStats(s.m.Stats())
	}
	if err := s.Close(); err != nil && callErr == nil {
		return err
	}
	return callErr
}

func printStats(st overlay.Stats) {
	fmt.Printf("calls %d  hits %d  loads %d  fallbacks %d  evictions %d (%d passes)  copied %s  max depth %d  hit rate %.1f%%\n",
		st.Calls, st.Hits, st.Loads, st.Fallbacks, st.Evictions, st.EvictionPasses,
		units.BytesSize(float64(st.BytesCopied)), st.MaxDepth, 100*st.HitRate())
}

func printRows(m *overlay.Manager) {
	snap := m.Published()
	w := newTable()
	fmt.Fprintln(w, "START\tEND\tSIZE\tREFS\tFUNCTION")
	var used uint32
	for _, r := range snap.Rows {
		fmt.Fprintf(w, "0x%x\t0x%x\t%d\t%d\t%s\n", r.Start, r.End, r.End-r.Start, r.RefCount, r.Name)
		used += r.End - r.Start
	}
	w.Flush()
	fmt.Printf("%d of %d rows, %s of %s in use\n", len(snap.Rows), snap.Capacity,
		units.BytesSize(float64(used)), units.BytesSize(float64(snap.RegionSize)))
}

// check calls every function once, small arguments first, with invariant
// checking forced on.
func (a *app) check(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: check <image>", errUsage)
	}
	a.cfg.Overlay.Debug = true
	s, err := a.openSession(args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.m.CheckInvariants(); err != nil {
		return fmt.Errorf("fresh manager: %w", err)
	}
	fmt.Printf("image %s: %d functions, %s, largest %s\n", s.id, len(s.img.Symbols),
		units.BytesSize(float64(s.img.Size())), units.BytesSize(float64(s.img.Largest())))

	var failed int
	w := newTable()
	fmt.Fprintln(w, "FUNCTION\tSIZE\tRESULT")
	for _, sym := range s.img.Symbols {
		v, err := s.call(sym.Name, overlay.Args{3, 4, 5, 6, 7})
		result := fmt.Sprintf("%d", v)
		if err != nil {
			result = "error: " + err.Error()
			failed++
		}
		if err := s.m.CheckInvariants(); err != nil {
			return fmt.Errorf("after %s: %w", sym.Name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", sym.Name, sym.Size, result)
	}
	w.Flush()
	printStats(s.m.Stats())

	if failed > 0 {
		return fmt.Errorf("%d of %d functions failed", failed, len(s.img.Symbols))
	}
	fmt.Println("invariants held")
	return nil
}

func (a *app) trace(args []string) error {
	if len(args) > 2 || (len(args) == 2 && args[1] != "events") {
		return fmt.Errorf("%w: trace [session [events]]", errUsage)
	}
	db, err := trace.Open(a.cfg.ToTrace(a.log))
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 0 {
		sessions, err := db.Sessions()
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "SESSION\tIMAGE\tSTARTED\tEVENTS")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.Image.Short(), s.Started.Local().Format(time.DateTime), s.Events)
		}
		return w.Flush()
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	events, err := db.Events(id)
	if err != nil {
		return err
	}

	w := newTable()
	if len(args) == 2 {
		fmt.Fprintln(w, "SEQ\tKIND\tFUNCTION\tRANGE\tREFS\tDEPTH")
		for _, ev := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t0x%x-0x%x\t%d\t%d\n", ev.Seq, ev.Kind, ev.Name, ev.Start, ev.End, ev.RefCount, ev.Depth)
		}
		return w.Flush()
	}

	fmt.Fprintln(w, "FUNCTION\tCALLS\tLOADS\tHITS\tFALLBACKS\tEVICTIONS\tLOADED\tMAX REFS")
	for _, f := range trace.Summarize(events) {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%d\n", f.Name, f.Calls(), f.Loads, f.Hits, f.Fallbacks,
			f.Evictions, units.BytesSize(float64(f.BytesLoaded)), f.MaxRefCount)
	}
	return w.Flush()
}
