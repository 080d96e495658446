package session

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// EnvironmentContext snapshots the host environment a session runs in
// (Section 4.F step 3).
type EnvironmentContext struct {
	CWD              string
	OS               string
	Shell            string
	InContainer      bool
	GitBranch        string
	DirectoryTreeTop []string
}

// SnapshotEnvironment builds an EnvironmentContext from the current process.
func SnapshotEnvironment(cwd string) EnvironmentContext {
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	entries, _ := os.ReadDir(cwd)
	var top []string
	for i, e := range entries {
		if i >= 25 {
			break
		}
		top = append(top, e.Name())
	}
	return EnvironmentContext{
		CWD:              cwd,
		OS:               runtime.GOOS,
		Shell:            shell,
		InContainer:      detectContainer(),
		GitBranch:        detectGitBranch(cwd),
		DirectoryTreeTop: top,
	}
}

// detectContainer reports whether the process appears to be running
// inside a container, via the conventional /.dockerenv marker.
func detectContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// detectGitBranch reads .git/HEAD directly rather than shelling out to
// git, so a missing git binary never breaks startup.
func detectGitBranch(cwd string) string {
	data, err := os.ReadFile(cwd + "/.git/HEAD")
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if strings.HasPrefix(line, prefix) {
		return strings.TrimPrefix(line, prefix)
	}
	return ""
}

// Block renders the environment context as a prompt section.
func (e EnvironmentContext) Block() string {
	var b strings.Builder
	b.WriteString("Environment:\n")
	fmt.Fprintf(&b, "- cwd: %s\n", e.CWD)
	fmt.Fprintf(&b, "- os: %s\n", e.OS)
	fmt.Fprintf(&b, "- shell: %s\n", e.Shell)
	if e.InContainer {
		b.WriteString("- running inside a container\n")
	}
	if e.GitBranch != "" {
		fmt.Fprintf(&b, "- git branch: %s\n", e.GitBranch)
	}
	if len(e.DirectoryTreeTop) > 0 {
		fmt.Fprintf(&b, "- top-level entries: %s\n", strings.Join(e.DirectoryTreeTop, ", "))
	}
	return b.String()
}

// ProjectContext snapshots project-level hints (Section 4.F step 4).
type ProjectContext struct {
	FileHints       []string
	RemoteSkills    []string
	CallerContext   string
}

// SnapshotProject builds a ProjectContext from the session cwd. fileHints
// and remoteSkills are supplied by the caller (a config-driven discovery
// pass upstream); callerContext is any per-turn context the caller
// attached to this run.
func SnapshotProject(fileHints, remoteSkills []string, callerContext string) ProjectContext {
	return ProjectContext{FileHints: fileHints, RemoteSkills: remoteSkills, CallerContext: callerContext}
}

// Block renders the project context as a prompt section, or "" if empty.
func (p ProjectContext) Block() string {
	if len(p.FileHints) == 0 && len(p.RemoteSkills) == 0 && p.CallerContext == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Project context:\n")
	if len(p.FileHints) > 0 {
		fmt.Fprintf(&b, "- relevant files: %s\n", strings.Join(p.FileHints, ", "))
	}
	if len(p.RemoteSkills) > 0 {
		fmt.Fprintf(&b, "- available skills: %s\n", strings.Join(p.RemoteSkills, ", "))
	}
	if p.CallerContext != "" {
		fmt.Fprintf(&b, "- caller context: %s\n", p.CallerContext)
	}
	return b.String()
}

// ToolsBlock renders a tools summary section from discovered tool names.
func ToolsBlock(toolNames []string) string {
	if len(toolNames) == 0 {
		return ""
	}
	return "Available tools: " + strings.Join(toolNames, ", ") + "\n"
}

// AssembleSystemPrompt implements Section 4.F step 5:
// system_prompt = base_prompt + env_block + project_block + tools_block.
func AssembleSystemPrompt(basePrompt string, env EnvironmentContext, project ProjectContext, toolNames []string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if basePrompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(env.Block())
	if pb := project.Block(); pb != "" {
		b.WriteString("\n")
		b.WriteString(pb)
	}
	if tb := ToolsBlock(toolNames); tb != "" {
		b.WriteString("\n")
		b.WriteString(tb)
	}
	return b.String()
}

// UserContextBlock implements Section 4.F step 6: prepended to the
// incoming user message when the session is new or explicit per-turn
// context was supplied.
func UserContextBlock(callerContext string) string {
	if callerContext == "" {
		return ""
	}
	return "[context]\n" + callerContext + "\n[/context]\n\n"
}
