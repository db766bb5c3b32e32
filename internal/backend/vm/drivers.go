package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"taskwarden/internal/task"
)

// DriverFor returns the driver for a hypervisor backend kind.
func DriverFor(kind task.Backend) (Driver, error) {
	switch kind {
	case task.BackendVirtualBox:
		return VirtualBox{}, nil
	case task.BackendParallels:
		return Parallels{}, nil
	case task.BackendUTM:
		return UTM{}, nil
	}
	return nil, fmt.Errorf("no vm driver for %q", kind)
}

// VirtualBox drives VBoxManage.
type VirtualBox struct{}

func (VirtualBox) Kind() task.Backend { return task.BackendVirtualBox }
func (VirtualBox) Binary() string     { return "VBoxManage" }

func (VirtualBox) StartArgs(id string) []string { return []string{"startvm", id, "--type", "headless"} }
func (VirtualBox) StopArgs(id string) []string  { return []string{"controlvm", id, "acpipowerbutton"} }

var vboxLineRe = regexp.MustCompile(`^"(.*)" \{([0-9a-fA-F-]{36})\}$`)

// parseVBoxList reads `VBoxManage list vms` lines: "name" {uuid}.
func parseVBoxList(out string) []task.VMInfo {
	var vms []task.VMInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := vboxLineRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		id, err := CanonicalID(m[2])
		if err != nil {
			continue
		}
		vms = append(vms, task.VMInfo{ID: id, Name: m[1], Hypervisor: task.BackendVirtualBox, State: "stopped"})
	}
	return vms
}

var vboxOSRe = regexp.MustCompile(`(?m)^ostype="([^"]*)"`)

func (d VirtualBox) List(ctx context.Context, run RunFunc) ([]task.VMInfo, error) {
	out, err := run(ctx, "list", "vms")
	if err != nil {
		return nil, err
	}
	vms := parseVBoxList(out)
	running, err := run(ctx, "list", "runningvms")
	if err != nil {
		return nil, err
	}
	up := map[string]bool{}
	for _, vm := range parseVBoxList(running) {
		up[vm.ID] = true
	}
	for i := range vms {
		if up[vms[i].ID] {
			vms[i].State = "running"
		}
		// best effort: the OS type is only descriptive
		if info, err := run(ctx, "showvminfo", vms[i].ID, "--machinereadable"); err == nil {
			if m := vboxOSRe.FindStringSubmatch(info); m != nil {
				vms[i].OSType = m[1]
			}
		}
	}
	return vms, nil
}

// Parallels drives prlctl.
type Parallels struct{}

func (Parallels) Kind() task.Backend { return task.BackendParallels }
func (Parallels) Binary() string     { return "prlctl" }

func (Parallels) StartArgs(id string) []string { return []string{"start", id} }
func (Parallels) StopArgs(id string) []string  { return []string{"stop", id} }

type prlEntry struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	OS     string `json:"os"`
}

func (Parallels) List(ctx context.Context, run RunFunc) ([]task.VMInfo, error) {
	out, err := run(ctx, "list", "-a", "-j")
	if err != nil {
		return nil, err
	}
	return parsePrlList(out)
}

func parsePrlList(out string) ([]task.VMInfo, error) {
	var entries []prlEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entries); err != nil {
		return nil, fmt.Errorf("decode prlctl output: %w", err)
	}
	vms := make([]task.VMInfo, 0, len(entries))
	for _, e := range entries {
		id, err := CanonicalID(e.UUID)
		if err != nil {
			continue
		}
		state := strings.ToLower(e.Status)
		if state == "" {
			state = "stopped"
		}
		vms = append(vms, task.VMInfo{ID: id, Name: e.Name, Hypervisor: task.BackendParallels, OSType: e.OS, State: state})
	}
	return vms, nil
}

// UTM drives utmctl.
type UTM struct{}

func (UTM) Kind() task.Backend { return task.BackendUTM }
func (UTM) Binary() string     { return "utmctl" }

func (UTM) StartArgs(id string) []string { return []string{"start", id} }
func (UTM) StopArgs(id string) []string  { return []string{"stop", id} }

func (UTM) List(ctx context.Context, run RunFunc) ([]task.VMInfo, error) {
	out, err := run(ctx, "list")
	if err != nil {
		return nil, err
	}
	return parseUTMList(out), nil
}

// parseUTMList reads the column table printed by `utmctl list`:
//
//	UUID                                 Status   Name
//	1B2C3D4E-...                         started  Debian
func parseUTMList(out string) []task.VMInfo {
	var vms []task.VMInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		id, err := CanonicalID(fields[0])
		if err != nil {
			continue
		}
		state := strings.ToLower(fields[1])
		if state == "started" {
			state = "running"
		}
		vms = append(vms, task.VMInfo{
			ID: id, Name: strings.Join(fields[2:], " "), Hypervisor: task.BackendUTM, State: state,
		})
	}
	return vms
}
