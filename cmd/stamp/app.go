package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daviddao/stampdb/pkg/config"
	"github.com/daviddao/stampdb/pkg/identifier"
	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/snapshot"
	"github.com/daviddao/stampdb/pkg/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Name kinds. Authors, modules and paths are components too; their names
// are interned under a kind prefix so "main" the path and "main" the
// module get different nids.
const (
	kindAuthor    = "author"
	kindModule    = "module"
	kindPath      = "path"
	kindComponent = "component"
)

// app holds shared state for all CLI subcommands.
type app struct {
	// Global flags.
	configPath string
	dbPath     string
	jsonOut    bool
	debug      bool

	cfg   *config.Config
	store store.Store
	svc   *snapshot.Service
	log   *slog.Logger
}

// open loads configuration, opens the store and restores the service.
// Paths declared in the configuration are defined if they changed.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if a.debug {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := cfg.StoreOptions()
	opts.Logger = a.log
	if opts.Backend != store.BackendMemory {
		dir := opts.Path
		if opts.Backend != store.BackendBadger {
			dir = filepath.Dir(dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	st, err := store.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("cannot open %s store %q: %w", opts.Backend, opts.Path, err)
	}
	svc, err := snapshot.Open(ctx, st, snapshot.Options{Workers: cfg.Snapshot.Workers, Logger: a.log})
	if err != nil {
		st.Close()
		return err
	}
	a.store, a.svc = st, svc
	return a.definePaths(ctx)
}

// Close releases the store.
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

// definePaths brings the path graph in line with the configuration.
func (a *app) definePaths(ctx context.Context) error {
	for _, pc := range a.cfg.Paths {
		want, err := a.pathFromConfig(pc)
		if err != nil {
			return err
		}
		if have, ok := a.svc.Graph().Path(want.Nid); ok && samePath(have, want) {
			continue
		}
		if err := a.svc.AddPath(ctx, want); err != nil {
			return fmt.Errorf("define path %q: %w", pc.Name, err)
		}
	}
	return nil
}

func (a *app) pathFromConfig(pc config.PathConfig) (model.StampPath, error) {
	nid, err := a.intern(kindPath, pc.Name)
	if err != nil {
		return model.StampPath{}, err
	}
	p := model.StampPath{Nid: nid, Name: pc.Name}
	for _, o := range pc.Origins {
		onid, err := a.intern(kindPath, o.Path)
		if err != nil {
			return model.StampPath{}, err
		}
		t, err := config.ParseTime(o.Time)
		if err != nil {
			return model.StampPath{}, err
		}
		p.Origins = append(p.Origins, model.PathOrigin{Path: onid, Time: t})
	}
	return p, nil
}

func samePath(a, b model.StampPath) bool {
	if a.Name != b.Name || len(a.Origins) != len(b.Origins) {
		return false
	}
	for i := range a.Origins {
		if a.Origins[i] != b.Origins[i] {
			return false
		}
	}
	return true
}

// nameUUID is the stable identifier of a named thing of the given kind.
// Components use the bare name so other tools can address them by it.
func nameUUID(kind, name string) uuid.UUID {
	if kind == kindComponent {
		return identifier.NameUUID(name)
	}
	return identifier.NameUUID(kind + ":" + name)
}

// intern returns the nid for name, assigning one if it is new. A numeric
// name is taken as a nid.
func (a *app) intern(kind, name string) (model.Nid, error) {
	if nid, ok := parseNid(name); ok {
		return nid, nil
	}
	if name == "" {
		return 0, fmt.Errorf("no %s given", kind)
	}
	return a.svc.Identifiers().NidFor(nameUUID(kind, name))
}

// lookup returns the nid for an existing name.
func (a *app) lookup(kind, name string) (model.Nid, error) {
	if nid, ok := parseNid(name); ok {
		return nid, nil
	}
	nid, err := a.svc.Identifiers().Lookup(nameUUID(kind, name))
	if errors.Is(err, model.ErrNotFound) {
		return 0, fmt.Errorf("unknown %s %q", kind, name)
	}
	return nid, err
}

func parseNid(s string) (model.Nid, bool) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return model.Nid(n), true
}

// pathName returns the declared name of a path nid, or the nid itself.
func (a *app) pathName(nid model.Nid) string {
	if p, ok := a.svc.Graph().Path(nid); ok && p.Name != "" {
		return p.Name
	}
	return strconv.Itoa(int(nid))
}

// filterFlags are the view coordinate flags shared by read commands.
type filterFlags struct {
	path       string
	time       string
	status     string
	modules    string
	priority   string
	precedence string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.path, "path", "", "path to read from (default: defaults.path)")
	fs.StringVar(&f.time, "time", "latest", "time to read at: latest, RFC3339 or epoch millis")
	fs.StringVar(&f.status, "status", "active,inactive", "comma-separated statuses to see")
	fs.StringVar(&f.modules, "module", "", "comma-separated modules to see (default: all)")
	fs.StringVar(&f.priority, "priority", "", "comma-separated module priority, best first")
	fs.StringVar(&f.precedence, "precedence", "path", "precedence for unrelated paths: path or time")
}

// filter builds the StampFilter the flags describe.
func (a *app) filter(f *filterFlags) (model.StampFilter, error) {
	pathName := f.path
	if pathName == "" {
		pathName = a.cfg.Defaults.Path
	}
	path, err := a.lookup(kindPath, pathName)
	if err != nil {
		return model.StampFilter{}, err
	}
	t, err := config.ParseTime(f.time)
	if err != nil {
		return model.StampFilter{}, err
	}
	statuses, err := model.ParseStatusSet(f.status)
	if err != nil {
		return model.StampFilter{}, err
	}
	precedence, err := model.ParsePrecedence(f.precedence)
	if err != nil {
		return model.StampFilter{}, err
	}
	opts := []model.FilterOption{model.WithStatuses(statuses), model.WithPrecedence(precedence)}
	if f.modules != "" {
		mods, err := a.lookupList(kindModule, f.modules)
		if err != nil {
			return model.StampFilter{}, err
		}
		opts = append(opts, model.WithModules(mods...))
	}
	if f.priority != "" {
		order, err := a.lookupList(kindModule, f.priority)
		if err != nil {
			return model.StampFilter{}, err
		}
		opts = append(opts, model.WithModulePriority(order...))
	}
	return model.NewStampFilter(model.StampPosition{Time: t, Path: path}, opts...), nil
}

func (a *app) lookupList(kind, csv string) ([]model.Nid, error) {
	var out []model.Nid
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		nid, err := a.lookup(kind, name)
		if err != nil {
			return nil, err
		}
		out = append(out, nid)
	}
	return out, nil
}

// snapshot opens a read view for the filter flags.
func (a *app) snapshot(f *filterFlags) (*snapshot.Snapshot, error) {
	filter, err := a.filter(f)
	if err != nil {
		return nil, err
	}
	return a.svc.Snapshot(filter)
}

// authorFlags name who is editing, where.
type authorFlags struct {
	author string
	module string
	path   string
	time   string
}

func (f *authorFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.author, "author", "", "author of the edit (default: defaults.author)")
	fs.StringVar(&f.module, "module", "", "module of the edit (default: defaults.module)")
	fs.StringVar(&f.path, "path", "", "path of the edit (default: defaults.path)")
	fs.StringVar(&f.time, "at", "", "stamp time: RFC3339 or epoch millis (default: now)")
}

// resolved is an authorFlags turned into nids and a stamp time.
type resolved struct {
	author, module, path model.Nid
	time                 int64
}

func (a *app) resolveAuthor(f *authorFlags) (resolved, error) {
	var r resolved
	var err error
	if r.author, err = a.intern(kindAuthor, or(f.author, a.cfg.Defaults.Author)); err != nil {
		return r, fmt.Errorf("%w: pass --author or set %s", err, config.EnvAuthor)
	}
	if r.module, err = a.intern(kindModule, or(f.module, a.cfg.Defaults.Module)); err != nil {
		return r, fmt.Errorf("%w: pass --module or set %s", err, config.EnvModule)
	}
	if r.path, err = a.lookup(kindPath, or(f.path, a.cfg.Defaults.Path)); err != nil {
		return r, err
	}
	if f.time != "" {
		if r.time, err = config.ParseTime(f.time); err != nil {
			return r, err
		}
	}
	return r, nil
}

func or(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// formatPayload renders a payload on one line.
func formatPayload(p model.Payload) string {
	switch p := p.(type) {
	case nil:
		return "-"
	case model.StringPayload:
		return strconv.Quote(p.Value)
	case model.LongPayload:
		return strconv.FormatInt(p.Value, 10)
	case model.DescriptionPayload:
		return strconv.Quote(p.Text)
	case model.NidPayload:
		return fmt.Sprintf("nid %d", p.Nid)
	case model.NidPairPayload:
		return fmt.Sprintf("nids %d,%d", p.Nid1, p.Nid2)
	case model.RelationshipPayload:
		return fmt.Sprintf("-> %d type %d group %d", p.Destination, p.Type, p.Group)
	}
	return p.VersionType().String()
}

// parsePayload builds a payload of type vt from its command line form.
// Component references inside payloads are names or nids.
func (a *app) parsePayload(vt model.VersionType, value string) (model.Payload, error) {
	switch vt {
	case model.VersionTypeConcept:
		return model.ConceptPayload{}, nil
	case model.VersionTypeMember:
		return model.MemberPayload{}, nil
	case model.VersionTypeString:
		return model.StringPayload{Value: value}, nil
	case model.VersionTypeDescription:
		return model.DescriptionPayload{Text: value}, nil
	case model.VersionTypeLong:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("long value %q: %w", value, err)
		}
		return model.LongPayload{Value: n}, nil
	case model.VersionTypeNid:
		nid, err := a.intern(kindComponent, value)
		return model.NidPayload{Nid: nid}, err
	case model.VersionTypeNidPair, model.VersionTypeRelationship:
		first, second, ok := strings.Cut(value, ",")
		if !ok {
			return nil, fmt.Errorf("%s value must be two comma-separated components, got %q", vt, value)
		}
		n1, err := a.intern(kindComponent, strings.TrimSpace(first))
		if err != nil {
			return nil, err
		}
		n2, err := a.intern(kindComponent, strings.TrimSpace(second))
		if err != nil {
			return nil, err
		}
		if vt == model.VersionTypeRelationship {
			return model.RelationshipPayload{Destination: n1, Type: n2}, nil
		}
		return model.NidPairPayload{Nid1: n1, Nid2: n2}, nil
	}
	return nil, fmt.Errorf("cannot build a %s payload", vt)
}

// errConflicts makes the process exit with code 2.
var errConflicts = errors.New("unresolved conflicts")
