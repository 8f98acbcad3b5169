// Package risk classifies write operations into risk tiers and enforces the
// per-tier device ceilings.
//
// Classification is a pure function of (operation type, deduplicated device
// count): each operation type has a static base tier; the tier escalates one
// step when the count crosses the bulk threshold and jumps straight to
// CRITICAL past the mass threshold. The ceiling check always runs after
// deduplication and after escalation, so duplicate ids never count against
// the limit and an escalated operation is capped at its escalated tier.
package risk

import (
	"fmt"

	"github.com/fleetgate/fleetgate/pkg/models"
)

const (
	// BulkThreshold is the device count above which risk escalates one tier.
	BulkThreshold = 5
	// MassThreshold is the device count above which risk is forced CRITICAL.
	MassThreshold = 20
)

// baseRisk is the static base tier per operation type. Destructive operations
// (archive, unassign) start HIGH; additive ones start LOW or MEDIUM.
var baseRisk = map[models.WriteOperationType]models.RiskLevel{
	models.OpAddDevices:           models.RiskLow,
	models.OpUpdateDeviceTags:     models.RiskMedium,
	models.OpBatchUpdateTags:      models.RiskMedium,
	models.OpAssignApplication:    models.RiskMedium,
	models.OpUnassignApplication:  models.RiskHigh,
	models.OpArchiveDevices:       models.RiskHigh,
	models.OpUnarchiveDevices:     models.RiskMedium,
	models.OpAssignSubscription:   models.RiskMedium,
	models.OpUnassignSubscription: models.RiskHigh,
}

// deviceCeiling caps how many devices one operation may touch, per final tier.
var deviceCeiling = map[models.RiskLevel]int{
	models.RiskLow:      50,
	models.RiskMedium:   25,
	models.RiskHigh:     10,
	models.RiskCritical: 5,
}

// ValidateTables checks the lookup tables cover every operation type and
// every risk tier. Called once at startup; a gap here is a programming error
// that must fail the boot, not a request.
func ValidateTables() error {
	for _, op := range models.AllWriteOperationTypes {
		if _, ok := baseRisk[op]; !ok {
			return fmt.Errorf("risk: no base risk for operation %q", op)
		}
	}
	for _, tier := range models.AllRiskLevels {
		if _, ok := deviceCeiling[tier]; !ok {
			return fmt.Errorf("risk: no device ceiling for tier %q", tier)
		}
	}
	return nil
}

// DeviceLimitError reports a device list that exceeds the tier ceiling.
// It carries everything the caller needs to remediate.
type DeviceLimitError struct {
	Operation models.WriteOperationType
	Count     int
	Limit     int
	RiskLevel models.RiskLevel
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("operation %s touches %d devices but the %s risk tier allows at most %d; split the request into batches of %d or fewer",
		e.Operation, e.Count, e.RiskLevel, e.Limit, e.Limit)
}

// UnknownOperationError reports an operation type missing from the risk table.
type UnknownOperationError struct {
	Operation models.WriteOperationType
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown write operation type %q", e.Operation)
}

// Dedupe removes duplicate device ids preserving first-seen order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Classify returns the risk tier for an operation touching count devices.
// count must already be deduplicated.
func Classify(op models.WriteOperationType, count int) (models.RiskLevel, error) {
	tier, ok := baseRisk[op]
	if !ok {
		return "", &UnknownOperationError{Operation: op}
	}
	switch {
	case count > MassThreshold:
		tier = models.RiskCritical
	case count > BulkThreshold:
		tier = tier.Escalate()
	}
	return tier, nil
}

// Ceiling returns the device ceiling for a tier.
func Ceiling(tier models.RiskLevel) int {
	return deviceCeiling[tier]
}

// ValidateDeviceIDs deduplicates ids, classifies the operation, and enforces
// the tier ceiling, in that order. Returns the deduplicated ids and the final
// tier, or a DeviceLimitError when the deduplicated count exceeds the
// ceiling.
func ValidateDeviceIDs(op models.WriteOperationType, ids []string) ([]string, models.RiskLevel, error) {
	deduped := Dedupe(ids)
	tier, err := Classify(op, len(deduped))
	if err != nil {
		return nil, "", err
	}
	if limit := deviceCeiling[tier]; len(deduped) > limit {
		return nil, tier, &DeviceLimitError{
			Operation: op,
			Count:     len(deduped),
			Limit:     limit,
			RiskLevel: tier,
		}
	}
	return deduped, tier, nil
}
