// Package deploy orchestrates the per-entry secret pipelines and
// materializes their results as an atomically activated generation under the
// secret directory.
package deploy

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"filippo.io/age"
	"github.com/gofrs/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrkirby153/secnix/internal/identity"
	"github.com/mrkirby153/secnix/internal/manifest"
	"github.com/mrkirby153/secnix/internal/sops"
	"github.com/mrkirby153/secnix/internal/template"
	"github.com/mrkirby153/secnix/pkg/logger"
)

const (
	defaultJobs = 4

	// generations kept around after a deploy, the active one included
	defaultKeepGenerations = 5

	dirPerms = os.FileMode(0751)
)

type Config struct {
	Fs    afero.Fs
	Links Linker

	// Jobs bounds the number of entry pipelines decrypting concurrently.
	Jobs int

	// KeepGenerations bounds how many old generations survive pruning.
	KeepGenerations int

	// LinkRoot is the directory secrets are symlinked into when an entry
	// does not configure an explicit link path. Empty disables default links.
	LinkRoot string

	// CheckOnly runs every pipeline through extraction and rendering
	// without touching the filesystem.
	CheckOnly bool

	// FailFast aborts remaining pipelines on the first entry failure
	// instead of collecting an aggregate report.
	FailFast bool
}

type Engine struct {
	fs       afero.Fs
	links    Linker
	jobs     int
	keep     int
	linkRoot string

	checkOnly bool
	failFast  bool

	resolver *identity.Resolver
	renderer *template.Renderer
}

func New(cfg Config) *Engine {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Links == nil {
		cfg.Links = NewOsLinker()
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = defaultJobs
	}
	if cfg.KeepGenerations < 1 {
		cfg.KeepGenerations = defaultKeepGenerations
	}

	return &Engine{
		fs:        cfg.Fs,
		links:     cfg.Links,
		jobs:      cfg.Jobs,
		keep:      cfg.KeepGenerations,
		linkRoot:  cfg.LinkRoot,
		checkOnly: cfg.CheckOnly,
		failFast:  cfg.FailFast,
		resolver:  identity.NewResolver(cfg.Fs),
		renderer:  template.NewRenderer(cfg.Fs),
	}
}

// entry tracks one manifest entry through its pipeline. Entries fail
// independently: a failed entry never aborts its siblings.
type entry struct {
	kind Kind
	name string

	sec *manifest.Secret
	tpl *manifest.Template

	value    []byte
	rendered []byte
	path     string
	err      error
}

// Run executes one activation cycle for the manifest and reports the
// terminal state of every entry.
func (e *Engine) Run(ctx context.Context, m *manifest.Manifest) (*Report, error) {
	ids, failures := e.resolver.Resolve(ctx, m.SSHKeys)
	logger.InfoCtx(ctx, nil, "resolved identities",
		zap.Int("usable", len(ids)),
		zap.Int("failed", len(failures)))

	entries := make([]*entry, 0, len(m.Secrets)+len(m.Templates))
	for i := range m.Secrets {
		entries = append(entries, &entry{kind: KindSecret, name: m.Secrets[i].Name, sec: &m.Secrets[i]})
	}
	for i := range m.Templates {
		entries = append(entries, &entry{kind: KindTemplate, name: m.Templates[i].Name, tpl: &m.Templates[i]})
	}

	if err := e.resolveSecrets(ctx, entries, ids); err != nil {
		// fail-fast abort: nothing renders and nothing activates
		return buildReport(entries, ""), err
	}

	// templates depend on the secrets they reference, so they render only
	// after every secret pipeline has settled
	e.renderTemplates(ctx, entries)

	if e.checkOnly {
		report := buildReport(entries, "")
		return report, report.Err()
	}

	if err := ctx.Err(); err != nil {
		report := buildReport(entries, "")
		return report, err
	}

	gen, err := e.activate(ctx, m, entries)
	report := buildReport(entries, gen)
	if err != nil {
		return report, err
	}

	return report, report.Err()
}

// resolveSecrets fans out the secret pipelines. The returned error is
// non-nil only under the fail-fast policy: the first entry failure cancels
// the group context so sibling pipelines stop instead of decrypting on.
func (e *Engine) resolveSecrets(ctx context.Context, entries []*entry, ids []age.Identity) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.jobs)

	for _, ent := range entries {
		if ent.kind != KindSecret {
			continue
		}
		ent := ent

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				ent.err = err
				return nil
			}

			value, err := e.resolveSecret(gctx, ent.sec, ids)
			if err != nil {
				ent.err = fmt.Errorf("secret %q: %w", ent.name, err)
				logger.ErrorCtx(ctx, ent.err, "resolve secret", zap.String("name", ent.name))
				if e.failFast {
					return ent.err
				}

				return nil
			}
			ent.value = value

			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) resolveSecret(ctx context.Context, sec *manifest.Secret, ids []age.Identity) ([]byte, error) {
	doc, err := sops.Load(e.fs, sec.Source, formatFor(sec.Type))
	if err != nil {
		return nil, err
	}
	logger.DebugCtx(ctx, nil, "parsed encrypted document",
		zap.String("source", sec.Source),
		zap.String("format", string(doc.Format)))

	tree, err := doc.Decrypt(ids)
	if err != nil {
		return nil, err
	}

	key := sec.Key
	if sec.Type == manifest.FileTypeBinary {
		// binary documents hold the whole payload under "data"
		key = "data"
	}

	return sops.ExtractBytes(tree, sops.KeyPath(key))
}

func (e *Engine) renderTemplates(ctx context.Context, entries []*entry) {
	values := make(map[string]string)
	for _, ent := range entries {
		if ent.kind == KindSecret && ent.err == nil {
			values[ent.name] = string(ent.value)
		}
	}

	for _, ent := range entries {
		if ent.kind != KindTemplate {
			continue
		}
		if err := ctx.Err(); err != nil {
			ent.err = err

			continue
		}

		rendered, err := e.renderer.Render(ent.tpl.Source, values)
		if err != nil {
			ent.err = fmt.Errorf("template %q: %w", ent.name, err)
			logger.ErrorCtx(ctx, ent.err, "render template", zap.String("name", ent.name))

			continue
		}
		ent.rendered = rendered
	}
}

// activate writes all successful entries into a fresh generation directory,
// atomically swaps the active symlink, updates per-entry links and targets,
// then reconciles stale paths and prunes old generations. Writes of the
// current run all land before any reconciliation removes anything.
func (e *Engine) activate(ctx context.Context, m *manifest.Manifest, entries []*entry) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	gen := id.String()
	genDir := generationDir(m.SecretDirectory, gen)

	logger.InfoCtx(ctx, nil, "creating generation", zap.String("generation", gen))
	if err := e.fs.MkdirAll(genDir, dirPerms); err != nil {
		return gen, err
	}

	meta := generationMeta{Generation: gen}
	if m.WriteManifest {
		meta.Manifest = m
	}

	for _, ent := range entries {
		if ent.err != nil {
			continue
		}

		switch ent.kind {
		case KindSecret:
			mode, err := ent.sec.FileMode()
			if err != nil {
				ent.err = fmt.Errorf("secret %q: %w", ent.name, err)

				continue
			}
			path, err := e.writeFileAtomic(genDir, ent.name, ent.value, mode, ent.sec.Owner, ent.sec.Group)
			if err != nil {
				ent.err = fmt.Errorf("secret %q: %w", ent.name, err)

				continue
			}
			ent.path = path
		case KindTemplate:
			mode, err := ent.tpl.FileMode()
			if err != nil {
				ent.err = fmt.Errorf("template %q: %w", ent.name, err)

				continue
			}
			dir := filepath.Join(genDir, templatesDirname)
			if _, err := e.writeFileAtomic(dir, ent.name, ent.rendered, mode, ent.tpl.Owner, ent.tpl.Group); err != nil {
				ent.err = fmt.Errorf("template %q: %w", ent.name, err)
			}
		}
	}

	// in-flight generations are discarded on cancellation; entries already
	// activated by a previous run keep their last-good state
	if err := ctx.Err(); err != nil {
		_ = e.fs.RemoveAll(genDir)

		return gen, err
	}

	for _, ent := range entries {
		if ent.err != nil {
			continue
		}
		if ent.kind == KindSecret {
			if link := e.linkPath(ent.sec); link != "" {
				meta.Links = append(meta.Links, link)
			}
		} else {
			meta.Targets = append(meta.Targets, ent.tpl.Target)
		}
	}

	if err := saveGenerationMeta(e.fs, m.SecretDirectory, &meta); err != nil {
		return gen, err
	}

	active := filepath.Join(m.SecretDirectory, activeLinkname)
	if err := e.symlinkAtomic(genDir, active); err != nil {
		return gen, err
	}
	logger.DebugCtx(ctx, nil, "activated generation", zap.String("generation", gen))

	e.updateEntryLinks(ctx, entries, active)

	if err := e.reconcile(ctx, m.SecretDirectory, gen, &meta); err != nil {
		return gen, err
	}

	return gen, nil
}

func (e *Engine) updateEntryLinks(ctx context.Context, entries []*entry, active string) {
	for _, ent := range entries {
		if ent.err != nil {
			continue
		}

		switch ent.kind {
		case KindSecret:
			link := e.linkPath(ent.sec)
			if link == "" {
				continue
			}
			if err := e.symlinkAtomic(filepath.Join(active, ent.name), link); err != nil {
				ent.err = fmt.Errorf("secret %q: link: %w", ent.name, err)

				continue
			}
			logger.DebugCtx(ctx, nil, "linked secret",
				zap.String("name", ent.name), zap.String("link", link))
		case KindTemplate:
			if ent.tpl.Copy {
				mode, err := ent.tpl.FileMode()
				if err != nil {
					ent.err = fmt.Errorf("template %q: %w", ent.name, err)

					continue
				}
				dir, name := filepath.Split(ent.tpl.Target)
				path, err := e.writeFileAtomic(filepath.Clean(dir), name, ent.rendered, mode, ent.tpl.Owner, ent.tpl.Group)
				if err != nil {
					ent.err = fmt.Errorf("template %q: %w", ent.name, err)

					continue
				}
				ent.path = path
			} else {
				target := filepath.Join(active, templatesDirname, ent.name)
				if err := e.symlinkAtomic(target, ent.tpl.Target); err != nil {
					ent.err = fmt.Errorf("template %q: link: %w", ent.name, err)

					continue
				}
				ent.path = ent.tpl.Target
			}
		}
	}
}

// reconcile removes links deployed by the previous generation that the
// current manifest no longer manages, then prunes old generation
// directories beyond the retention count.
func (e *Engine) reconcile(ctx context.Context, root, gen string, meta *generationMeta) error {
	st, err := loadState(e.fs, root)
	if err != nil {
		return err
	}

	current := make(map[string]struct{}, len(meta.Links)+len(meta.Targets))
	for _, p := range meta.Links {
		current[p] = struct{}{}
	}
	for _, p := range meta.Targets {
		current[p] = struct{}{}
	}

	if st.Active != "" && st.Active != gen {
		prev, err := loadGenerationMeta(e.fs, root, st.Active)
		if err != nil {
			logger.WarnCtx(ctx, err, "load previous generation metadata",
				zap.String("generation", st.Active))
		} else {
			for _, p := range append(prev.Links, prev.Targets...) {
				if _, managed := current[p]; managed {
					continue
				}

				logger.InfoCtx(ctx, nil, "removing stale link", zap.String("path", p))
				if err := e.links.Remove(p); err != nil && !os.IsNotExist(err) {
					logger.WarnCtx(ctx, err, "remove stale link", zap.String("path", p))
				}
			}
		}
	}

	st.Active = gen
	st.Generations = append(st.Generations, generationRecord{ID: gen, CreatedAt: nowFunc()})

	e.prune(ctx, root, st)

	return saveState(e.fs, root, st)
}

func (e *Engine) prune(ctx context.Context, root string, st *state) {
	if len(st.Generations) <= e.keep {
		return
	}

	sorted := append([]generationRecord(nil), st.Generations...)
	sortGenerations(sorted)

	kept := sorted[:0]
	excess := len(sorted) - e.keep
	for _, rec := range sorted {
		if excess > 0 && rec.ID != st.Active {
			logger.InfoCtx(ctx, nil, "pruning old generation", zap.String("generation", rec.ID))
			if err := e.fs.RemoveAll(generationDir(root, rec.ID)); err != nil {
				logger.WarnCtx(ctx, err, "prune generation", zap.String("generation", rec.ID))
				kept = append(kept, rec)

				continue
			}
			excess--

			continue
		}
		kept = append(kept, rec)
	}
	st.Generations = kept
}

func (e *Engine) linkPath(sec *manifest.Secret) string {
	if sec.Link != "" {
		return sec.Link
	}
	if e.linkRoot != "" {
		return filepath.Join(e.linkRoot, sec.Name)
	}

	return ""
}

// writeFileAtomic writes data under a unique temporary name in dir, applies
// mode and ownership, then renames into place so a partially written file
// is never visible at the final path.
func (e *Engine) writeFileAtomic(dir, name string, data []byte, mode os.FileMode, owner, group string) (string, error) {
	if err := e.fs.MkdirAll(dir, dirPerms); err != nil {
		return "", err
	}

	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	tmp := filepath.Join(dir, "."+name+"."+u.String()+".tmp")
	final := filepath.Join(dir, name)

	if err := e.writeTemp(tmp, data, mode, owner, group); err != nil {
		_ = e.fs.Remove(tmp)

		return "", err
	}

	if err := e.fs.Rename(tmp, final); err != nil {
		_ = e.fs.Remove(tmp)

		return "", err
	}

	return final, nil
}

func (e *Engine) writeTemp(tmp string, data []byte, mode os.FileMode, owner, group string) error {
	f, err := e.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()

		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := e.fs.Chmod(tmp, mode); err != nil {
		return err
	}

	uid, gid, err := ownerIDs(owner, group)
	if err != nil {
		return err
	}
	if uid != -1 || gid != -1 {
		if err := e.fs.Chown(tmp, uid, gid); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) symlinkAtomic(target, link string) error {
	if err := e.fs.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return err
	}

	u, err := uuid.NewV4()
	if err != nil {
		return err
	}
	tmp := link + ".tmp-" + u.String()

	if err := e.links.Symlink(target, tmp); err != nil {
		return err
	}
	if err := e.links.Rename(tmp, link); err != nil {
		_ = e.links.Remove(tmp)

		return err
	}

	return nil
}

func ownerIDs(owner, group string) (int, int, error) {
	uid, gid := -1, -1

	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return -1, -1, err
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return -1, -1, err
		}
	}

	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return -1, -1, err
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return -1, -1, err
		}
	}

	return uid, gid, nil
}

func formatFor(t manifest.FileType) sops.Format {
	switch t {
	case manifest.FileTypeJSON:
		return sops.FormatJSON
	case manifest.FileTypeBinary:
		return sops.FormatBinary
	default:
		return sops.FormatYAML
	}
}

func buildReport(entries []*entry, gen string) *Report {
	report := Report{Generation: gen}
	for _, ent := range entries {
		report.Results = append(report.Results, Result{
			Kind: ent.kind,
			Name: ent.name,
			Path: ent.path,
			Err:  ent.err,
		})
	}

	return &report
}
