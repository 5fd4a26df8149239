package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// defaultDropRoles are roles managed by the hosted platform. They do not
// exist on a plain Postgres target, so statements creating them, granting to
// them, or assigning ownership to them fail the import.
func defaultDropRoles() []string {
	return []string{
		"supabase_admin",
		"supabase_auth_admin",
		"supabase_storage_admin",
		"supabase_realtime_admin",
		"supabase_replication_admin",
		"supabase_read_only_user",
		"authenticator",
		"anon",
		"authenticated",
		"service_role",
		"dashboard_user",
		"pgbouncer",
	}
}

// defaultDropExtensions are extensions preinstalled by the hosted platform
// and unavailable on the target.
func defaultDropExtensions() []string {
	return []string{
		"pg_graphql",
		"pg_net",
		"pgsodium",
		"supabase_vault",
		"pgjwt",
		"pgmq",
		"plv8",
	}
}

// defaultDropSetParameters are settings emitted by newer pg_dump versions
// that older target servers reject.
func defaultDropSetParameters() []string {
	return []string{"transaction_timeout"}
}

// CleanStats summarizes one cleaning pass over an artifact file.
type CleanStats struct {
	Statements int
	Dropped    int
	CopyBlocks int
}

// Cleaner rewrites a SQL artifact so that it imports cleanly on the target.
// Clean mutates the file in place and reports failure by error; callers treat
// any cleaning failure as fatal.
type Cleaner interface {
	Clean(ctx context.Context, path string) (CleanStats, error)
}

// newCleaner selects the configured external command when one is set, the
// built-in filter otherwise.
func newCleaner(cfg CleanerConfig, runner CommandRunner, log *slog.Logger) Cleaner {
	if strings.TrimSpace(cfg.Command) != "" {
		return &execCleaner{runner: runner, command: cfg.Command}
	}
	return newBuiltinCleaner(cfg, log)
}

// execCleaner delegates cleaning to an external command. The command line is
// run as configured for each artifact; it owns its own file knowledge and
// reports success purely by exit code.
type execCleaner struct {
	runner  CommandRunner
	command string
}

func (c *execCleaner) Clean(ctx context.Context, path string) (CleanStats, error) {
	if _, err := os.Stat(path); err != nil {
		return CleanStats{}, fmt.Errorf("artifact %s: %w", path, err)
	}
	fields := strings.Fields(c.command)
	code, out, err := c.runner.Run(ctx, fields[0], fields[1:], nil)
	if err != nil {
		return CleanStats{}, err
	}
	if code != 0 {
		if msg := strings.TrimSpace(out); msg != "" {
			return CleanStats{}, fmt.Errorf("%s exited with status %d: %s", fields[0], code, msg)
		}
		return CleanStats{}, fmt.Errorf("%s exited with status %d", fields[0], code)
	}
	return CleanStats{}, nil
}

// builtinCleaner strips statements that a managed-Postgres dump carries but a
// plain target rejects: platform role DDL and grants, platform-owned
// extensions, event triggers, security labels, the realtime publications, and
// settings the target server does not know. The artifact is rewritten through
// a temp file so a failed pass never truncates the original.
type builtinCleaner struct {
	roles      map[string]bool
	extensions map[string]bool
	parameters map[string]bool
	log        *slog.Logger
}

func newBuiltinCleaner(cfg CleanerConfig, log *slog.Logger) *builtinCleaner {
	return &builtinCleaner{
		roles:      stringSet(cfg.DropRoles),
		extensions: stringSet(cfg.DropExtensions),
		parameters: stringSet(cfg.DropSetParameters),
		log:        log,
	}
}

func stringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToLower(strings.TrimSpace(it))] = true
	}
	return set
}

func (c *builtinCleaner) Clean(ctx context.Context, path string) (CleanStats, error) {
	in, err := os.Open(path)
	if err != nil {
		return CleanStats{}, fmt.Errorf("artifact %s: %w", path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return CleanStats{}, fmt.Errorf("artifact %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".clean-*")
	if err != nil {
		return CleanStats{}, fmt.Errorf("clean %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	stats, err := c.filter(ctx, bufio.NewReader(in), bufio.NewWriter(tmp))
	if err != nil {
		tmp.Close()
		return stats, fmt.Errorf("clean %s: %w", path, err)
	}
	if err := tmp.Chmod(info.Mode()); err != nil {
		tmp.Close()
		return stats, fmt.Errorf("clean %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("clean %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return stats, fmt.Errorf("clean %s: %w", path, err)
	}
	return stats, nil
}

// filter copies r to w, dropping whole statements that match the configured
// rules. Comment and blank lines buffer until the statement they introduce is
// classified, so a dropped statement takes its pg_dump header block with it.
// COPY ... FROM stdin payloads pass through byte for byte up to the \. line.
func (c *builtinCleaner) filter(ctx context.Context, r *bufio.Reader, w *bufio.Writer) (CleanStats, error) {
	var (
		stats    CleanStats
		scan     sqlScanner
		prelude  []string
		stmt     []string
		inCopy   bool
		skipCopy bool
	)

	flush := func(lines []string) error {
		for _, l := range lines {
			if _, err := w.WriteString(l); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line, readErr := r.ReadString('\n')
		if line != "" {
			switch {
			case inCopy:
				if !skipCopy {
					if err := flush([]string{line}); err != nil {
						return stats, err
					}
				}
				if strings.TrimRight(line, "\r\n") == `\.` {
					inCopy, skipCopy = false, false
				}
			case len(stmt) == 0 && !scan.open() && isPreludeLine(line):
				prelude = append(prelude, line)
			case len(stmt) == 0 && !scan.open() && strings.HasPrefix(strings.TrimSpace(line), `\`):
				// psql meta-command (\restrict, \connect); not SQL, passed through.
				if err := flush(prelude); err != nil {
					return stats, err
				}
				prelude = prelude[:0]
				if err := flush([]string{line}); err != nil {
					return stats, err
				}
			default:
				stmt = append(stmt, line)
				if scan.scan(line) {
					text := strings.Join(stmt, "")
					stats.Statements++
					dropped := c.shouldDrop(text)
					if dropped {
						stats.Dropped++
						c.log.Debug("dropped statement", "stmt", firstLine(text))
					} else {
						if err := flush(prelude); err != nil {
							return stats, err
						}
						if err := flush(stmt); err != nil {
							return stats, err
						}
					}
					if isCopyFromStdin(text) {
						inCopy, skipCopy = true, dropped
						stats.CopyBlocks++
					}
					prelude, stmt = prelude[:0], stmt[:0]
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return stats, fmt.Errorf("read: %w", readErr)
			}
			break
		}
	}

	// A trailing statement without terminator follows the same rules;
	// dangling comments are kept.
	if len(stmt) > 0 {
		text := strings.Join(stmt, "")
		stats.Statements++
		if c.shouldDrop(text) {
			stats.Dropped++
			c.log.Debug("dropped statement", "stmt", firstLine(text))
		} else {
			if err := flush(prelude); err != nil {
				return stats, err
			}
			if err := flush(stmt); err != nil {
				return stats, err
			}
		}
	} else if err := flush(prelude); err != nil {
		return stats, err
	}

	if err := w.Flush(); err != nil {
		return stats, fmt.Errorf("write: %w", err)
	}
	return stats, nil
}

// shouldDrop classifies one complete statement against the drop rules.
func (c *builtinCleaner) shouldDrop(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	head := func(i int) string {
		if i >= len(fields) {
			return ""
		}
		return strings.ToUpper(fields[i])
	}

	switch head(0) {
	case "CREATE", "ALTER", "DROP":
		switch head(1) {
		case "ROLE":
			return c.roles[objectName(fields, 2)]
		case "EXTENSION":
			return c.extensions[objectName(fields, 2)]
		case "EVENT":
			return head(2) == "TRIGGER"
		case "PUBLICATION":
			return strings.HasPrefix(objectName(fields, 2), "supabase_")
		case "POLICY":
			return c.mentionsRole(stmt)
		case "DEFAULT":
			return head(0) == "ALTER" && head(2) == "PRIVILEGES" && c.mentionsRole(stmt)
		}
		if head(0) == "ALTER" {
			if owner := ownerRole(fields); owner != "" {
				return c.roles[owner]
			}
		}
	case "GRANT", "REVOKE":
		return c.mentionsRole(stmt)
	case "COMMENT":
		if head(1) == "ON" {
			switch head(2) {
			case "EXTENSION":
				return true
			case "EVENT":
				return head(3) == "TRIGGER"
			}
		}
	case "SECURITY":
		return head(1) == "LABEL"
	case "SET":
		if len(fields) < 2 {
			return false
		}
		name, _, _ := strings.Cut(fields[1], "=")
		return c.parameters[strings.ToLower(strings.TrimRight(name, ";"))]
	}
	return false
}

// mentionsRole reports whether any configured role appears in the statement
// as a standalone identifier.
func (c *builtinCleaner) mentionsRole(stmt string) bool {
	low := strings.ToLower(stmt)
	for role := range c.roles {
		if containsIdent(low, role) {
			return true
		}
	}
	return false
}

// objectName extracts the identifier at position i, skipping an IF [NOT]
// EXISTS prefix and stripping quoting and statement punctuation.
func objectName(fields []string, i int) string {
	if i < len(fields) && strings.EqualFold(fields[i], "IF") {
		i++
		if i < len(fields) && strings.EqualFold(fields[i], "NOT") {
			i++
		}
		if i < len(fields) && strings.EqualFold(fields[i], "EXISTS") {
			i++
		}
	}
	if i >= len(fields) {
		return ""
	}
	name := strings.TrimRight(fields[i], ";")
	return strings.ToLower(strings.Trim(name, `"`))
}

// ownerRole returns the role named by an OWNER TO clause, or "".
func ownerRole(fields []string) string {
	for i := 0; i+2 < len(fields); i++ {
		if strings.EqualFold(fields[i], "OWNER") && strings.EqualFold(fields[i+1], "TO") {
			return objectName(fields, i+2)
		}
	}
	return ""
}

// containsIdent reports whether word occurs in s delimited by non-identifier
// characters, so "anon" does not match inside "anonymous".
func containsIdent(s, word string) bool {
	if word == "" {
		return false
	}
	for i := 0; i+len(word) <= len(s); {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		j += i
		before := j == 0 || !isIdentByte(s[j-1])
		after := j+len(word) == len(s) || !isIdentByte(s[j+len(word)])
		if before && after {
			return true
		}
		i = j + 1
	}
	return false
}

// isCopyFromStdin matches the COPY ... FROM stdin form that introduces an
// inline payload terminated by a \. line.
func isCopyFromStdin(stmt string) bool {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
	if len(fields) < 4 || !strings.EqualFold(fields[0], "COPY") {
		return false
	}
	return strings.EqualFold(fields[len(fields)-2], "FROM") &&
		strings.EqualFold(fields[len(fields)-1], "stdin")
}

func isPreludeLine(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "--")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

// sqlScanner tracks quoting state across the lines of one statement.
type sqlScanner struct {
	inQuote   bool
	inIdent   bool
	dollarTag string
}

func (s *sqlScanner) open() bool { return s.inQuote || s.inIdent || s.dollarTag != "" }

// scan advances the state across one line and reports whether the statement
// terminates on it: an unquoted ';' followed by nothing but whitespace or a
// line comment.
func (s *sqlScanner) scan(line string) bool {
	terminated := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case s.dollarTag != "":
			if c == '$' && strings.HasPrefix(line[i:], s.dollarTag) {
				i += len(s.dollarTag) - 1
				s.dollarTag = ""
			}
		case s.inQuote:
			if c == '\'' {
				if i+1 < len(line) && line[i+1] == '\'' {
					i++
				} else {
					s.inQuote = false
				}
			}
		case s.inIdent:
			if c == '"' {
				if i+1 < len(line) && line[i+1] == '"' {
					i++
				} else {
					s.inIdent = false
				}
			}
		case c == '\'':
			s.inQuote = true
			terminated = false
		case c == '"':
			s.inIdent = true
			terminated = false
		case c == '$':
			if tag, n := dollarQuoteTag(line[i:]); n > 0 {
				s.dollarTag = tag
				i += n - 1
			}
			terminated = false
		case c == '-' && i+1 < len(line) && line[i+1] == '-':
			return terminated
		case c == ';':
			terminated = true
		default:
			if terminated && !isSpaceByte(c) {
				terminated = false
			}
		}
	}
	return terminated
}

// dollarQuoteTag reports the dollar-quote delimiter starting at s, if any.
// Tags are $$ or $word$ where word starts with a letter or underscore.
func dollarQuoteTag(s string) (string, int) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1], i + 1
		}
		if i == 1 && c >= '0' && c <= '9' {
			return "", 0
		}
		if !isIdentByte(c) {
			return "", 0
		}
	}
	return "", 0
}

func isIdentByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
