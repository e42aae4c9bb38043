package detect

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"agenttrail/pkg/models"
)

// structuralChecker parses action commands into a shell AST and runs
// checks regex cannot express: flag normalization, pipe targets, path
// classification. Inline code (sh -c '...') is re-parsed one level
// deep so wrapping a command in a shell does not hide it.
type structuralChecker struct {
	maxParseDepth int
}

func newStructuralChecker(maxParseDepth int) *structuralChecker {
	if maxParseDepth <= 0 {
		maxParseDepth = 2
	}
	return &structuralChecker{maxParseDepth: maxParseDepth}
}

type commandSegment struct {
	executable string
	flags      map[string]string
	args       []string
}

type parsedCommand struct {
	segments    []commandSegment
	operators   []string
	subcommands []*parsedCommand
}

// flatten returns the command plus every nested inline-code command,
// so checks see through `sh -c '...'` wrapping.
func (pc *parsedCommand) flatten() []*parsedCommand {
	if pc == nil {
		return nil
	}
	out := []*parsedCommand{pc}
	for _, sub := range pc.subcommands {
		out = append(out, sub.flatten()...)
	}
	return out
}

// Check parses the command and returns every structural anomaly found.
func (c *structuralChecker) Check(command string) []models.Anomaly {
	if strings.TrimSpace(command) == "" {
		return nil
	}

	var anomalies []models.Anomaly
	for _, pc := range c.parse(command, 0).flatten() {
		anomalies = append(anomalies, checkDestructiveDelete(pc)...)
		anomalies = append(anomalies, checkDiskOverwrite(pc)...)
		anomalies = append(anomalies, checkPipeToShell(pc)...)
		anomalies = append(anomalies, checkWorldWritable(pc)...)
	}
	return anomalies
}

func (c *structuralChecker) parse(command string, depth int) *parsedCommand {
	if depth >= c.maxParseDepth {
		return nil
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return fallbackParse(command)
	}

	pc := &parsedCommand{}
	for _, stmt := range file.Stmts {
		c.walkStmt(pc, stmt, depth)
	}
	return pc
}

func (c *structuralChecker) walkStmt(pc *parsedCommand, stmt *syntax.Stmt, depth int) {
	if stmt.Cmd == nil {
		return
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		seg := segmentFromCall(cmd)
		pc.segments = append(pc.segments, seg)
		if inner := inlineCode(seg); inner != "" {
			if sub := c.parse(inner, depth+1); sub != nil {
				pc.subcommands = append(pc.subcommands, sub)
			}
		}

	case *syntax.BinaryCmd:
		c.walkStmt(pc, cmd.X, depth)
		pc.operators = append(pc.operators, binaryOp(cmd.Op))
		c.walkStmt(pc, cmd.Y, depth)

	case *syntax.Subshell:
		for _, s := range cmd.Stmts {
			c.walkStmt(pc, s, depth)
		}
	}
}

// segmentFromCall flattens a call into executable, flags, and args.
// sudo is treated as transparent so wrapping a command in it changes
// nothing.
func segmentFromCall(call *syntax.CallExpr) commandSegment {
	words := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		words = append(words, wordText(word))
	}
	return segmentFromWords(words)
}

func segmentFromWords(words []string) commandSegment {
	seg := commandSegment{flags: make(map[string]string)}
	if len(words) == 0 {
		return seg
	}

	seg.executable = words[0]
	rest := words[1:]
	if seg.executable == "sudo" {
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			seg.executable = rest[0]
			rest = rest[1:]
		}
	}

	for _, w := range rest {
		switch {
		case strings.HasPrefix(w, "--") && len(w) > 2:
			flag := w[2:]
			if eq := strings.Index(flag, "="); eq >= 0 {
				seg.flags[flag[:eq]] = flag[eq+1:]
			} else {
				seg.flags[flag] = ""
			}
		case strings.HasPrefix(w, "-") && len(w) > 1:
			for _, ch := range w[1:] {
				seg.flags[string(ch)] = ""
			}
		default:
			seg.args = append(seg.args, w)
		}
	}
	return seg
}

// fallbackParse covers lines the shell parser rejects: crude pipe
// splitting keeps the pipe-target check alive.
func fallbackParse(command string) *parsedCommand {
	pc := &parsedCommand{}
	parts := strings.Split(command, "|")
	for i, part := range parts {
		words := strings.Fields(strings.TrimSpace(part))
		if len(words) == 0 {
			continue
		}
		pc.segments = append(pc.segments, segmentFromWords(words))
		if i < len(parts)-1 {
			pc.operators = append(pc.operators, "|")
		}
	}
	return pc
}

func wordText(word *syntax.Word) string {
	var sb strings.Builder
	printer := syntax.NewPrinter()
	printer.Print(&sb, word)
	return sb.String()
}

func binaryOp(op syntax.BinCmdOperator) string {
	switch op {
	case syntax.Pipe:
		return "|"
	case syntax.AndStmt:
		return "&&"
	case syntax.OrStmt:
		return "||"
	default:
		return op.String()
	}
}

// inlineCode pulls the code argument out of `sh -c '...'` style calls.
func inlineCode(seg commandSegment) string {
	if !shellInterpreters[seg.executable] && !codeInterpreters[seg.executable] {
		return ""
	}
	if _, ok := seg.flags["c"]; !ok {
		return ""
	}
	if len(seg.args) == 0 {
		return ""
	}
	return strings.Trim(seg.args[0], `'"`)
}

var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
}

var codeInterpreters = map[string]bool{
	"python": true, "python3": true, "node": true, "ruby": true, "perl": true,
}

var downloadCommands = map[string]bool{
	"curl": true, "wget": true, "fetch": true, "aria2c": true,
}

var systemDirs = map[string]bool{
	"/etc": true, "/usr": true, "/usr/local": true, "/var": true,
	"/boot": true, "/sys": true, "/proc": true, "/lib": true,
	"/lib64": true, "/sbin": true, "/bin": true, "/opt": true,
}

func isRootTarget(path string) bool {
	cleaned := strings.TrimRight(path, "/")
	return cleaned == "" || path == "/*"
}

func isSystemPath(path string) bool {
	cleaned := strings.TrimRight(path, "/")
	if systemDirs[cleaned] {
		return true
	}
	for dir := range systemDirs {
		if strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

func isBlockDevice(path string) bool {
	for _, prefix := range []string{
		"/dev/sd", "/dev/hd", "/dev/nvme", "/dev/vd", "/dev/xvd", "/dev/md", "/dev/dm-",
	} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func hasFlag(flags map[string]string, keys ...string) bool {
	for _, key := range keys {
		if _, ok := flags[key]; ok {
			return true
		}
	}
	return false
}

func checkDestructiveDelete(pc *parsedCommand) []models.Anomaly {
	var out []models.Anomaly
	for _, seg := range pc.segments {
		if seg.executable != "rm" {
			continue
		}
		if !hasFlag(seg.flags, "r", "R", "recursive") || !hasFlag(seg.flags, "f", "force") {
			continue
		}
		for _, arg := range seg.args {
			if isRootTarget(arg) || isSystemPath(arg) {
				out = append(out, models.Anomaly{
					Name:     "destructive_delete",
					Severity: models.SeverityCritical,
					Reason:   fmt.Sprintf("recursive force delete of %s", arg),
					RuleID:   "st-destructive-delete",
				})
			}
		}
	}
	return out
}

func checkDiskOverwrite(pc *parsedCommand) []models.Anomaly {
	var out []models.Anomaly
	for _, seg := range pc.segments {
		if seg.executable != "dd" {
			continue
		}
		// dd uses of=value words, which land in args.
		for _, arg := range seg.args {
			if target, ok := strings.CutPrefix(arg, "of="); ok && isBlockDevice(target) {
				out = append(out, models.Anomaly{
					Name:     "disk_overwrite",
					Severity: models.SeverityCritical,
					Reason:   fmt.Sprintf("dd writing to block device %s", target),
					RuleID:   "st-disk-overwrite",
				})
			}
		}
	}
	return out
}

func checkPipeToShell(pc *parsedCommand) []models.Anomaly {
	var out []models.Anomaly
	for i, op := range pc.operators {
		if op != "|" || i+1 >= len(pc.segments) {
			continue
		}
		left, right := pc.segments[i], pc.segments[i+1]
		if !downloadCommands[left.executable] {
			continue
		}
		if shellInterpreters[right.executable] || codeInterpreters[right.executable] {
			out = append(out, models.Anomaly{
				Name:     "pipe_to_shell",
				Severity: models.SeverityHigh,
				Reason:   fmt.Sprintf("%s output piped into %s", left.executable, right.executable),
				RuleID:   "st-pipe-to-shell",
			})
		}
	}
	return out
}

func checkWorldWritable(pc *parsedCommand) []models.Anomaly {
	var out []models.Anomaly
	for _, seg := range pc.segments {
		if seg.executable != "chmod" || len(seg.args) < 2 {
			continue
		}
		mode := strings.ToLower(seg.args[0])
		worldWritable := mode == "777" || mode == "0777" ||
			(strings.Contains(mode, "a+") && strings.Contains(mode, "w")) ||
			(strings.Contains(mode, "o+") && strings.Contains(mode, "w"))
		if !worldWritable {
			continue
		}
		for _, arg := range seg.args[1:] {
			if isSystemPath(arg) || isRootTarget(arg) {
				out = append(out, models.Anomaly{
					Name:     "world_writable_system_path",
					Severity: models.SeverityMedium,
					Reason:   fmt.Sprintf("chmod %s on %s", mode, arg),
					RuleID:   "st-world-writable",
				})
			}
		}
	}
	return out
}
