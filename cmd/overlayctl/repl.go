package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

const replHelp = `commands:
  call <function> [args...]   call a function
  <function> [args...]        same as call
  stats                       manager counters
  rows                        residency table
  stubs                       dispatch stub states
  evict                       free every unreferenced function
  check                       verify manager invariants
  help                        this text
  quit                        leave`

func (a *app) repl(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: repl <image>", errUsage)
	}
	s, err := a.openSession(args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	names := s.img.Names()
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("stats"), readline.PcItem("rows"), readline.PcItem("stubs"),
		readline.PcItem("evict"), readline.PcItem("check"), readline.PcItem("help"), readline.PcItem("quit"),
	}
	var fnItems []readline.PrefixCompleterInterface
	for _, n := range names {
		fnItems = append(fnItems, readline.PcItem(n))
	}
	items = append(items, readline.PcItem("call", fnItems...))

	l, err := readline.NewEx(&readline.Config{
		Prompt:            fmt.Sprintf("overlay %s> ", s.id.Short()),
		HistoryFile:       filepath.Join(filepath.Dir(a.cfg.Store.Path), "repl-history"),
		AutoComplete:      readline.NewPrefixCompleter(items...),
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Printf("%d functions: %s\ntype help for commands\n", len(names), strings.Join(names, " "))
	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := s.command(fields); err != nil {
			fmt.Println("error:", err)
		}
	}
}

// command runs one repl line.
func (s *session) command(fields []string) error {
	switch fields[0] {
	case "help":
		fmt.Println(replHelp)
	case "stats":
		printStats(s.m.Stats())
	case "rows":
		s.m.Publish()
		printRows(s.m)
	case "stubs":
		w := newTable()
		fmt.Fprintln(w, "STUB\tADDR\tSTATE\tFUNCTION\tSIZE")
		for _, sym := range s.img.Symbols {
			info, err := s.m.Stub(sym.Stub)
			if err != nil {
				return err
			}
			state := "cold"
			if info.Warm {
				state = "warm"
			}
			fmt.Fprintf(w, "%d\t0x%x\t%s\t%s\t%d\n", info.ID, info.Addr, state, info.Name, info.Descriptor.Size)
		}
		w.Flush()
	case "evict":
		n := s.m.Evict()
		s.m.Publish()
		fmt.Printf("evicted %d\n", n)
	case "check":
		if err := s.m.CheckInvariants(); err != nil {
			return err
		}
		fmt.Println("ok")
	case "call":
		if len(fields) < 2 {
			return errors.New("call <function> [args...]")
		}
		return s.callLine(fields[1], fields[2:])
	default:
		return s.callLine(fields[0], fields[1:])
	}
	return nil
}

func (s *session) callLine(name string, rawArgs []string) error {
	if _, ok := s.img.Lookup(name); !ok {
		return fmt.Errorf("unknown function %q", name)
	}
	args, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}
	v, err := s.call(name, args)
	if err != nil {
		return err
	}
	fmt.Printf("= %d (0x%x)\n", v, v)
	return nil
}
