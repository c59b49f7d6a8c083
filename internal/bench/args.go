package bench

import (
	"flag"
	"fmt"
	"io"
	"log"
	"strings"

	"modelbench/internal/model"
)

// parseArgs applies extra arguments to the architecture's default options.
// Only the arguments the architecture recognizes are defined; anything else
// is rejected unless ignoreUnknown is set.
func parseArgs(arch model.Architecture, args []string, ignoreUnknown bool) (model.Options, error) {
	opts := arch.DefaultOptions
	fs := flag.NewFlagSet(arch.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if arch.Accepts(model.ArgGraphReplay) {
		fs.BoolVar(&opts.GraphReplay, string(model.ArgGraphReplay), opts.GraphReplay, "capture the training step once and replay it")
	}
	if arch.Accepts(model.ArgChunkLength) {
		fs.IntVar(&opts.ChunkLength, string(model.ArgChunkLength), opts.ChunkLength, "local attention window")
	}
	if ignoreUnknown {
		args = dropUnknown(fs, args)
	}
	if err := fs.Parse(args); err != nil {
		return model.Options{}, fmt.Errorf("%w: %s extra args: %v", ErrInvalidArgument, arch.Name, err)
	}
	if fs.NArg() > 0 {
		return model.Options{}, fmt.Errorf("%w: %s extra args: unexpected %q", ErrInvalidArgument, arch.Name, fs.Args())
	}
	if arch.Accepts(model.ArgChunkLength) && opts.ChunkLength <= 0 {
		return model.Options{}, fmt.Errorf("%w: chunk-length must be > 0 (got %d)", ErrInvalidArgument, opts.ChunkLength)
	}
	return opts, nil
}

func dropUnknown(fs *flag.FlagSet, args []string) []string {
	kept := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(kept, args[i:]...)
		}
		if !strings.HasPrefix(arg, "-") {
			kept = append(kept, arg)
			continue
		}
		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if fs.Lookup(name) != nil {
			kept = append(kept, arg)
			continue
		}
		log.Printf("extra_args: ignoring unrecognized option %s", arg)
		if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
		}
	}
	return kept
}
