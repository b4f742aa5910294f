// Package models defines the domain models for the provisioning broker
package models

import (
	"strings"
)

// Request actions understood by the provisioning pipeline.
const (
	ActionCreate = "Create"
	ActionUpdate = "Update"
)

// VMRequest is the typed view of a workflow's request payload. The payload
// itself is stored verbatim; this struct is only used to validate it and to
// build ticket and pipeline inputs.
type VMRequest struct {
	ActionType  string `json:"action_type,omitempty"`
	Environment string `json:"environment"`
	Resource    string `json:"resource,omitempty"`
	OSType      string `json:"os_type,omitempty"`

	// vSphere placement
	VSphereDatacenter string `json:"vsphere_datacenter,omitempty"`
	VSphereCluster    string `json:"vsphere_cluster,omitempty"`
	VSphereNetwork    string `json:"vsphere_network,omitempty"`
	VSphereTemplate   string `json:"vsphere_template,omitempty"`
	VSphereDatastore  string `json:"vsphere_datastore,omitempty"`

	// VM sizing
	VMNamePrefix          string           `json:"vm_name_prefix"`
	VMInstanceType        string           `json:"vm_instance_type,omitempty"`
	VMNumCPUs             int              `json:"vm_num_cpus,omitempty" validate:"gte=0,lte=128"`
	VMMemory              int              `json:"vm_memory,omitempty" validate:"gte=0"` // MB
	VMIPv4Gateway         string           `json:"vm_ipv4_gateway,omitempty" validate:"omitempty,ipv4"`
	VMSCSIControllerCount int              `json:"vm_scsi_controller_count,omitempty" validate:"gte=0,lte=4"`
	VMAdditionalDisks     []AdditionalDisk `json:"vm_additional_disks,omitempty" validate:"dive"`

	// NetBox IPAM
	NetBoxPrefix string `json:"netbox_prefix,omitempty" validate:"omitempty,cidr"`
	NetBoxTenant string `json:"netbox_tenant,omitempty"`

	// Update requests carry before/after snapshots instead of flat fields.
	OriginalConfig *VMConfig `json:"original_config,omitempty"`
	NewConfig      *VMConfig `json:"new_config,omitempty"`
}

// AdditionalDisk is one extra data disk requested for the VM.
type AdditionalDisk struct {
	SizeGB          int    `json:"size_gb" validate:"gt=0"`
	Datastore       string `json:"datastore,omitempty"`
	ControllerIndex int    `json:"controller_index,omitempty" validate:"gte=0"`
}

// VMConfig is the comparable subset of a VM used by update requests.
type VMConfig struct {
	Environment  string `json:"environment,omitempty"`
	ActionType   string `json:"action_type,omitempty"`
	VMNamePrefix string `json:"vm_name_prefix,omitempty"`
	VMNumCPUs    int    `json:"vm_num_cpus,omitempty" validate:"gte=0,lte=128"`
	VMMemory     int    `json:"vm_memory,omitempty" validate:"gte=0"`
	VMDiskSize   []int  `json:"vm_disk_size,omitempty" validate:"dive,gt=0"`
}

// IsUpdate reports whether the request modifies an existing VM.
func (r *VMRequest) IsUpdate() bool {
	return r.NewConfig != nil
}

// Action returns the pipeline action, defaulting by request shape.
func (r *VMRequest) Action() string {
	if r.IsUpdate() {
		if r.NewConfig.ActionType != "" {
			return r.NewConfig.ActionType
		}
		if r.ActionType != "" {
			return r.ActionType
		}
		return ActionUpdate
	}
	if r.ActionType != "" {
		return r.ActionType
	}
	return ActionCreate
}

// Env returns the target environment.
func (r *VMRequest) Env() string {
	if r.IsUpdate() && strings.TrimSpace(r.NewConfig.Environment) != "" {
		return strings.TrimSpace(r.NewConfig.Environment)
	}
	return strings.TrimSpace(r.Environment)
}

// Name returns the VM name prefix the request targets.
func (r *VMRequest) Name() string {
	if r.IsUpdate() && strings.TrimSpace(r.NewConfig.VMNamePrefix) != "" {
		return strings.TrimSpace(r.NewConfig.VMNamePrefix)
	}
	return strings.TrimSpace(r.VMNamePrefix)
}
