package writeops

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// maxListedDevices caps how many device ids a confirmation message spells
// out before collapsing the rest into a count.
const maxListedDevices = 10

// renderConfirmation builds the human-readable prompt shown to the user
// before a HIGH or CRITICAL operation runs.
func renderConfirmation(op *models.WriteOperation, p *opParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s on %s.",
		op.RiskLevel, describeOperation(op.Type, p), describeDevices(op.DeviceIDs))
	if p.DryRun {
		b.WriteString(" This is a dry run; nothing will change.")
	}
	b.WriteString(" Reply to confirm or decline.")
	return b.String()
}

// describeOperation phrases the mutation, including the tag set/remove
// split and the target application or subscription where relevant.
func describeOperation(opType models.WriteOperationType, p *opParams) string {
	switch opType {
	case models.OpAddDevices:
		return "add devices to the inventory"
	case models.OpUpdateDeviceTags:
		return "update tags (" + describeTags(p.Tags) + ")"
	case models.OpBatchUpdateTags:
		return fmt.Sprintf("apply per-device tag changes (%d entries)", len(p.Entries))
	case models.OpAssignApplication:
		return fmt.Sprintf("assign application %s", p.ApplicationID)
	case models.OpUnassignApplication:
		return fmt.Sprintf("unassign application %s", p.ApplicationID)
	case models.OpArchiveDevices:
		return "archive devices"
	case models.OpUnarchiveDevices:
		return "unarchive devices"
	case models.OpAssignSubscription:
		return fmt.Sprintf("assign subscription %s", p.SubscriptionID)
	case models.OpUnassignSubscription:
		return fmt.Sprintf("unassign subscription %s", p.SubscriptionID)
	default:
		return string(opType)
	}
}

// describeTags splits a tag map into what gets set and what gets removed.
// A nil value means the key is removed.
func describeTags(tags map[string]*string) string {
	var sets, removes []string
	for k, v := range tags {
		if v == nil {
			removes = append(removes, k)
		} else {
			sets = append(sets, k+"="+*v)
		}
	}
	sort.Strings(sets)
	sort.Strings(removes)

	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "set "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "remove "+strings.Join(removes, ", "))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "; ")
}

func describeDevices(ids []string) string {
	switch {
	case len(ids) == 1:
		return "1 device (" + ids[0] + ")"
	case len(ids) <= maxListedDevices:
		return fmt.Sprintf("%d devices (%s)", len(ids), strings.Join(ids, ", "))
	default:
		return fmt.Sprintf("%d devices (%s and %d more)",
			len(ids), strings.Join(ids[:maxListedDevices], ", "), len(ids)-maxListedDevices)
	}
}
