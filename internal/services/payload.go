package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"vm-broker/backend/pkg/models"
)

var (
	validate   = newValidator()
	vmNameRule = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(requiredRequestFields, models.VMRequest{})
	return v
}

// requiredRequestFields checks the fields every request needs before any
// external call is made: an environment and a VM name.
func requiredRequestFields(sl validator.StructLevel) {
	req := sl.Current().Interface().(models.VMRequest)
	if req.Env() == "" {
		sl.ReportError(req.Environment, "environment", "Environment", "required", "")
	}
	name := req.Name()
	if name == "" {
		sl.ReportError(req.VMNamePrefix, "vm_name_prefix", "VMNamePrefix", "required", "")
	} else if !vmNameRule.MatchString(name) {
		sl.ReportError(req.VMNamePrefix, "vm_name_prefix", "VMNamePrefix", "vm_name", "")
	}
}

// ParseVMRequest decodes and validates a stored request payload. Any
// problem is reported as models.ErrDataIntegrity.
func ParseVMRequest(payload json.RawMessage) (*models.VMRequest, error) {
	var req models.VMRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDataIntegrity, err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDataIntegrity, describeValidation(err))
	}
	return &req, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", ve.Field(), ve.Tag()))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// PipelineVariables builds the CI variables for a provisioning run. Empty
// values are left out.
func PipelineVariables(ticketKey string, req *models.VMRequest) map[string]string {
	vars := map[string]string{
		"JIRA_TICKET_NUM":    ticketKey,
		"ACTION_TYPE":        req.Action(),
		"ENVIRONMENT":        req.Env(),
		"RESOURCE":           req.Resource,
		"OS_TYPE":            req.OSType,
		"VSPHERE_DATACENTER": req.VSphereDatacenter,
		"VSPHERE_CLUSTER":    req.VSphereCluster,
		"VSPHERE_NETWORK":    req.VSphereNetwork,
		"VSPHERE_TEMPLATE":   req.VSphereTemplate,
		"VSPHERE_DATASTORE":  req.VSphereDatastore,
		"VM_NAME_PREFIX":     req.Name(),
		"VM_INSTANCE_TYPE":   req.VMInstanceType,
		"VM_IPV4_GATEWAY":    req.VMIPv4Gateway,
		"NETBOX_PREFIX":      req.NetBoxPrefix,
		"NETBOX_TENANT":      req.NetBoxTenant,
	}

	cpus, memory := req.VMNumCPUs, req.VMMemory
	if req.IsUpdate() {
		if req.NewConfig.VMNumCPUs > 0 {
			cpus = req.NewConfig.VMNumCPUs
		}
		if req.NewConfig.VMMemory > 0 {
			memory = req.NewConfig.VMMemory
		}
	}
	if cpus > 0 {
		vars["VM_NUM_CPUS"] = strconv.Itoa(cpus)
	}
	if memory > 0 {
		vars["VM_MEMORY"] = strconv.Itoa(memory)
	}
	if req.VMSCSIControllerCount > 0 {
		vars["VM_SCSI_CONTROLLER_COUNT"] = strconv.Itoa(req.VMSCSIControllerCount)
	}
	if len(req.VMAdditionalDisks) > 0 {
		if b, err := json.Marshal(req.VMAdditionalDisks); err == nil {
			vars["VM_ADDITIONAL_DISKS_JSON"] = string(b)
		}
	}

	for k, v := range vars {
		if strings.TrimSpace(v) == "" {
			delete(vars, k)
		}
	}
	return vars
}

// TicketSummary returns the one-line ticket title for a request.
func TicketSummary(req *models.VMRequest) string {
	if req.IsUpdate() {
		return fmt.Sprintf("[VM Provisioning] %s - %s %s", orNA(req.Env()), req.Action(), orNA(req.Name()))
	}
	return fmt.Sprintf("[VM Provisioning] %s - %s %s - %s (%s)",
		orNA(req.Env()), req.Action(), orNA(req.Name()), capitalize(orNA(req.OSType)), orNA(req.VMInstanceType))
}

// TicketDescription renders the ticket body in Jira wiki markup.
func TicketDescription(req *models.VMRequest) string {
	if req.IsUpdate() {
		return updateDescription(req)
	}

	var b strings.Builder
	b.WriteString("Auto-generated VM creation request.\n\n")
	b.WriteString("||Field||Value||\n")
	rows := [][2]string{
		{"Environment", req.Env()},
		{"VM name prefix", req.Name()},
		{"OS", req.OSType},
		{"Instance type", req.VMInstanceType},
		{"vCPU", itoaOrEmpty(req.VMNumCPUs)},
		{"Memory (MB)", itoaOrEmpty(req.VMMemory)},
		{"Datacenter", req.VSphereDatacenter},
		{"Cluster", req.VSphereCluster},
		{"Network", req.VSphereNetwork},
		{"Template", req.VSphereTemplate},
		{"Datastore", req.VSphereDatastore},
		{"NetBox prefix", req.NetBoxPrefix},
		{"NetBox tenant", req.NetBoxTenant},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "|%s|%s|\n", row[0], row[1])
	}
	for i, d := range req.VMAdditionalDisks {
		fmt.Fprintf(&b, "|Disk %d (GB)|%d|\n", i+1, d.SizeGB)
	}
	return strings.TrimRight(b.String(), "\n")
}

func updateDescription(req *models.VMRequest) string {
	original := req.OriginalConfig
	if original == nil {
		original = &models.VMConfig{}
	}
	next := req.NewConfig

	lines := []string{
		fmt.Sprintf("Request to update VM: *%s*", req.Name()),
		"---",
		"{panel:title=Configuration Changes|borderStyle=dashed|borderColor=#ccc|titleBGColor=#F7F7F7}",
	}
	if original.VMNumCPUs != next.VMNumCPUs {
		lines = append(lines, fmt.Sprintf("• *vCPU:* %s -> *%s*", itoaOrNA(original.VMNumCPUs), itoaOrNA(next.VMNumCPUs)))
	}
	if original.VMMemory != next.VMMemory {
		lines = append(lines, fmt.Sprintf("• *Memory (MB):* %s -> *%s*", itoaOrNA(original.VMMemory), itoaOrNA(next.VMMemory)))
	}
	if !slices.Equal(original.VMDiskSize, next.VMDiskSize) {
		lines = append(lines, fmt.Sprintf("• *Disks (GB):* %s -> *%s*", intList(original.VMDiskSize), intList(next.VMDiskSize)))
	}
	lines = append(lines, "{panel}")
	return strings.Join(lines, "\n")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func itoaOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func itoaOrNA(n int) string {
	if n == 0 {
		return "N/A"
	}
	return strconv.Itoa(n)
}

func intList(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
