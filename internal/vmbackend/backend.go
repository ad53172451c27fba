package vmbackend

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"
)

// Spec describes a detonation VM to create.
type Spec struct {
	Name          string
	Label         string // EDR label, e.g. "crowdstrike"
	BaseImageID   string
	Size          string
	SubnetID      string
	AdminUsername string
	AdminPassword string
}

// VM is a provisioned machine reference.
type VM struct {
	Name      string
	ID        string
	Label     string
	PrivateIP string
	CreatedAt time.Time
}

// CommandResult carries the stdout/stderr of a remote command run.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Backend provisions and drives detonation VMs. Implementations must be safe
// for concurrent use; the pool calls Create and Delete from provisioning and
// recycling goroutines in parallel.
type Backend interface {
	Create(ctx context.Context, spec Spec) (*VM, error)
	Delete(ctx context.Context, vm *VM) error
	RunCommand(ctx context.Context, vm *VM, script string) (*CommandResult, error)
}

// VMName builds the pool's machine name: edr-test-<label>-<slot>-<unix>.
func VMName(label string, slot int) string {
	return fmt.Sprintf("edr-test-%s-%d-%d", label, slot, time.Now().Unix())
}

// CleanupScript restores a VM to a neutral state between uses: kill
// stray detonation processes, empty the working directory, clear temp.
const CleanupScript = `
$ErrorActionPreference = 'SilentlyContinue'
Get-Process | Where-Object { $_.Path -like 'C:\detonation\*' } | Stop-Process -Force
Remove-Item -Recurse -Force 'C:\detonation\*'
Remove-Item -Recurse -Force "$env:TEMP\*"
New-Item -ItemType Directory -Force -Path 'C:\detonation' | Out-Null
exit 0
`

// DetonationDir is where samples are staged and opened on the VM.
const DetonationDir = `C:\detonation`

// copyChunkSize bounds one RunCommand payload. ARM run-command requests cap
// the script size, and base64 inflates by 4/3.
const copyChunkSize = 48 * 1024

// CopyFile ships a file to the VM as base64 chunks appended through the
// backend's command channel. Slow for big samples but needs no agent or
// open inbound port on the detonation network.
func CopyFile(ctx context.Context, b Backend, vm *VM, data []byte, remoteName string) error {
	dest := DetonationDir + `\` + sanitizeRemoteName(remoteName)
	b64 := base64.StdEncoding.EncodeToString(data)

	init := fmt.Sprintf(`New-Item -ItemType Directory -Force -Path '%s' | Out-Null
if (Test-Path '%s.b64') { Remove-Item -Force '%s.b64' }`, DetonationDir, dest, dest)
	if _, err := runChecked(ctx, b, vm, init); err != nil {
		return fmt.Errorf("prepare copy of %s: %w", remoteName, err)
	}

	for off := 0; off < len(b64); off += copyChunkSize {
		end := off + copyChunkSize
		if end > len(b64) {
			end = len(b64)
		}
		chunk := fmt.Sprintf(`Add-Content -Path '%s.b64' -Value '%s' -NoNewline`, dest, b64[off:end])
		if _, err := runChecked(ctx, b, vm, chunk); err != nil {
			return fmt.Errorf("copy chunk of %s: %w", remoteName, err)
		}
	}

	decode := fmt.Sprintf(`$b64 = Get-Content -Raw '%s.b64'
[IO.File]::WriteAllBytes('%s', [Convert]::FromBase64String($b64))
Remove-Item -Force '%s.b64'`, dest, dest, dest)
	if _, err := runChecked(ctx, b, vm, decode); err != nil {
		return fmt.Errorf("decode %s: %w", remoteName, err)
	}
	return nil
}

// ExecutionScript opens a staged sample the way a user would and lets it run
// for the interaction window before the EDR query fires.
func ExecutionScript(remoteName string, interaction time.Duration) string {
	target := DetonationDir + `\` + sanitizeRemoteName(remoteName)
	secs := int(interaction.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(`Start-Process -FilePath '%s'
Start-Sleep -Seconds %d
exit 0
`, target, secs)
}

// sanitizeRemoteName flattens a blob path into a single safe file name.
func sanitizeRemoteName(name string) string {
	name = path.Base(name)
	r := strings.NewReplacer(`'`, "", `"`, "", `\`, "_", "/", "_", ";", "_", "&", "_", "|", "_", "$", "_", "`", "_")
	return r.Replace(name)
}

func runChecked(ctx context.Context, b Backend, vm *VM, script string) (*CommandResult, error) {
	res, err := b.RunCommand(ctx, vm, script)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("remote command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}
