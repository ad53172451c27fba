package vmbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/logging"
)

const (
	armBaseURL    = "https://management.azure.com"
	armAPIVersion = "2024-07-01"
	armNicVersion = "2024-05-01"
)

// ARMBackend drives Azure VMs through the bare ARM REST API: create with a
// NIC from the configured subnet, run-command for remote execution, delete on
// recycle. Auth is a client-credentials token source that refreshes itself.
type ARMBackend struct {
	httpClient     *http.Client
	subscriptionID string
	resourceGroup  string
	location       string
	pollInterval   time.Duration
}

func NewARMBackend(cfg config.AzureConfig) (*ARMBackend, error) {
	if cfg.SubscriptionID == "" || cfg.ResourceGroup == "" {
		return nil, fmt.Errorf("azure subscription_id and resource_group are required")
	}
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("azure tenant_id, client_id and client_secret are required")
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://management.azure.com/.default"},
	}

	return &ARMBackend{
		httpClient:     cc.Client(context.Background()),
		subscriptionID: cfg.SubscriptionID,
		resourceGroup:  cfg.ResourceGroup,
		location:       cfg.Location,
		pollInterval:   5 * time.Second,
	}, nil
}

func (b *ARMBackend) vmURL(name string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s",
		armBaseURL, b.subscriptionID, b.resourceGroup, name)
}

func (b *ARMBackend) nicURL(name string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/networkInterfaces/%s",
		armBaseURL, b.subscriptionID, b.resourceGroup, name)
}

func (b *ARMBackend) Create(ctx context.Context, spec Spec) (*VM, error) {
	logging.Op().Info("creating vm", "name", spec.Name, "label", spec.Label)

	nicName := spec.Name + "-nic"
	nicID, ip, err := b.createNIC(ctx, nicName, spec.SubnetID)
	if err != nil {
		return nil, fmt.Errorf("create nic for %s: %w", spec.Name, err)
	}

	body := map[string]any{
		"location": b.location,
		"properties": map[string]any{
			"hardwareProfile": map[string]any{
				"vmSize": spec.Size,
			},
			"storageProfile": map[string]any{
				"imageReference": map[string]any{
					"id": spec.BaseImageID,
				},
				"osDisk": map[string]any{
					"createOption": "FromImage",
					"deleteOption": "Delete",
				},
			},
			"osProfile": map[string]any{
				"computerName":  computerName(spec.Name),
				"adminUsername": spec.AdminUsername,
				"adminPassword": spec.AdminPassword,
			},
			"networkProfile": map[string]any{
				"networkInterfaces": []map[string]any{
					{
						"id": nicID,
						"properties": map[string]any{
							"primary":      true,
							"deleteOption": "Delete",
						},
					},
				},
			},
		},
		"tags": map[string]string{
			"role":      "edr-detonation",
			"edr-label": spec.Label,
		},
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := b.doJSON(ctx, http.MethodPut, b.vmURL(spec.Name)+"?api-version="+armAPIVersion, body, &created); err != nil {
		return nil, fmt.Errorf("create vm %s: %w", spec.Name, err)
	}

	if err := b.waitProvisioned(ctx, spec.Name); err != nil {
		return nil, fmt.Errorf("wait for vm %s: %w", spec.Name, err)
	}

	logging.Op().Info("vm provisioned", "name", spec.Name, "ip", ip)
	return &VM{
		Name:      spec.Name,
		ID:        created.ID,
		Label:     spec.Label,
		PrivateIP: ip,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (b *ARMBackend) createNIC(ctx context.Context, name, subnetID string) (string, string, error) {
	body := map[string]any{
		"location": b.location,
		"properties": map[string]any{
			"ipConfigurations": []map[string]any{
				{
					"name": "primary",
					"properties": map[string]any{
						"subnet":                    map[string]string{"id": subnetID},
						"privateIPAllocationMethod": "Dynamic",
					},
				},
			},
		},
	}

	var nic struct {
		ID         string `json:"id"`
		Properties struct {
			IPConfigurations []struct {
				Properties struct {
					PrivateIPAddress string `json:"privateIPAddress"`
				} `json:"properties"`
			} `json:"ipConfigurations"`
		} `json:"properties"`
	}
	if err := b.doJSON(ctx, http.MethodPut, b.nicURL(name)+"?api-version="+armNicVersion, body, &nic); err != nil {
		return "", "", err
	}

	ip := ""
	if len(nic.Properties.IPConfigurations) > 0 {
		ip = nic.Properties.IPConfigurations[0].Properties.PrivateIPAddress
	}
	return nic.ID, ip, nil
}

func (b *ARMBackend) waitProvisioned(ctx context.Context, name string) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		var vm struct {
			Properties struct {
				ProvisioningState string `json:"provisioningState"`
			} `json:"properties"`
		}
		if err := b.doJSON(ctx, http.MethodGet, b.vmURL(name)+"?api-version="+armAPIVersion, nil, &vm); err != nil {
			return err
		}
		switch vm.Properties.ProvisioningState {
		case "Succeeded":
			return nil
		case "Failed":
			return fmt.Errorf("provisioning state Failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *ARMBackend) Delete(ctx context.Context, vm *VM) error {
	logging.Op().Info("deleting vm", "name", vm.Name)
	// NIC and OS disk carry deleteOption=Delete and go with the machine.
	url := b.vmURL(vm.Name) + "?api-version=" + armAPIVersion + "&forceDeletion=true"
	if err := b.doJSON(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return fmt.Errorf("delete vm %s: %w", vm.Name, err)
	}
	return nil
}

// RunCommand executes a PowerShell script on the VM through the ARM
// run-command endpoint. The call is async: ARM answers 202 with a polling URL
// and the result message carries the merged console output.
func (b *ARMBackend) RunCommand(ctx context.Context, vm *VM, script string) (*CommandResult, error) {
	body := map[string]any{
		"commandId": "RunPowerShellScript",
		"script":    strings.Split(script, "\n"),
	}

	url := b.vmURL(vm.Name) + "/runCommand?api-version=" + armAPIVersion
	resp, err := b.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Value []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"value"`
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, err
		}
	case http.StatusAccepted:
		pollURL := resp.Header.Get("Azure-AsyncOperation")
		if pollURL == "" {
			pollURL = resp.Header.Get("Location")
		}
		io.Copy(io.Discard, resp.Body)
		if err := b.pollRunCommand(ctx, pollURL, &result); err != nil {
			return nil, err
		}
	default:
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("run command on %s: status %d: %s", vm.Name, resp.StatusCode, truncate(string(data), 512))
	}

	out := &CommandResult{}
	for _, v := range result.Value {
		switch {
		case strings.Contains(v.Code, "StdOut"):
			out.Stdout = v.Message
		case strings.Contains(v.Code, "StdErr"):
			out.Stderr = v.Message
		}
	}
	// Run-command does not surface the script's exit code directly; treat
	// stderr output as failure. Scripts end with an explicit `exit 0`.
	if strings.TrimSpace(out.Stderr) != "" {
		out.ExitCode = 1
	}
	return out, nil
}

func (b *ARMBackend) pollRunCommand(ctx context.Context, url string, result any) error {
	if url == "" {
		return fmt.Errorf("run command accepted without a polling URL")
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var op struct {
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
			Properties struct {
				Output json.RawMessage `json:"output"`
			} `json:"properties"`
		}
		if err := b.doJSON(ctx, http.MethodGet, url, nil, &op); err != nil {
			return err
		}

		switch op.Status {
		case "Succeeded":
			if len(op.Properties.Output) > 0 {
				return json.Unmarshal(op.Properties.Output, result)
			}
			return nil
		case "Failed", "Canceled":
			msg := op.Status
			if op.Error != nil {
				msg = op.Error.Message
			}
			return fmt.Errorf("run command operation: %s", msg)
		}
	}
}

func (b *ARMBackend) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.httpClient.Do(req)
}

func (b *ARMBackend) doJSON(ctx context.Context, method, url string, body, out any) error {
	resp, err := b.do(ctx, method, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, truncate(string(data), 512))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// computerName trims the pool name to Windows' 15 char hostname limit.
func computerName(name string) string {
	n := strings.ReplaceAll(name, "edr-test-", "det-")
	if len(n) > 15 {
		n = n[:15]
	}
	return strings.TrimSuffix(n, "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
