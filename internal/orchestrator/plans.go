package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/models"
)

// ErrUnknownPlan is returned when a plan name is not defined.
var ErrUnknownPlan = errors.New("unknown plan")

// BuiltinPlans returns the plans shipped with the binary.
func BuiltinPlans() map[string]models.Plan {
	build := models.Phase{
		Name:     "build",
		Systems:  []models.SubsystemRef{{Name: "build"}},
		Mode:     models.ModeSequential,
		Weight:   0.2,
		Critical: true,
	}
	return map[string]models.Plan{
		"full": {Name: "full", Phases: []models.Phase{
			build,
			{Name: "tests", Systems: refs("unit", "integration"), Mode: models.ModeParallel, Weight: 0.3},
			{Name: "e2e", Systems: refs("e2e"), Mode: models.ModeSequential, Weight: 0.25, Retries: 1},
			{Name: "quality", Systems: refs("lighthouse", "a11y"), Mode: models.ModeParallel, Weight: 0.25},
		}},
		"quick": {Name: "quick", Phases: []models.Phase{
			{Name: "build", Systems: refs("build"), Mode: models.ModeSequential, Weight: 0.4, Critical: true},
			{Name: "unit", Systems: refs("unit"), Mode: models.ModeSequential, Weight: 0.6},
		}},
		"testing": {Name: "testing", Phases: []models.Phase{
			{Name: "tests", Systems: refs("unit", "integration"), Mode: models.ModeParallel, Weight: 0.5},
			{Name: "e2e", Systems: refs("e2e"), Mode: models.ModeSequential, Weight: 0.5, Retries: 1},
		}},
		"monitor": {Name: "monitor", Phases: []models.Phase{
			{Name: "quality", Systems: refs("lighthouse", "a11y"), Mode: models.ModeParallel, Weight: 1},
		}},
	}
}

func refs(names ...string) []models.SubsystemRef {
	out := make([]models.SubsystemRef, len(names))
	for i, name := range names {
		out[i] = models.SubsystemRef{Name: name}
	}
	return out
}

// PlanSet resolves plans by name.
type PlanSet struct {
	plans map[string]models.Plan
}

type plansFile struct {
	Plans []models.Plan `yaml:"plans"`
}

// LoadPlans returns the built-in plans overlaid with the ones declared in path.
// A missing file yields the built-ins.
func LoadPlans(path string) (*PlanSet, error) {
	set := &PlanSet{plans: BuiltinPlans()}
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return set, nil
		}
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	var file plansFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}
	for _, plan := range file.Plans {
		if plan.Name == "" {
			return nil, fmt.Errorf("parse plans file: plan without name")
		}
		for i := range plan.Phases {
			if plan.Phases[i].Mode == "" {
				plan.Phases[i].Mode = models.ModeSequential
			}
		}
		set.plans[plan.Name] = plan
	}
	return set, nil
}

// Get returns the plan called name.
func (s *PlanSet) Get(name string) (models.Plan, error) {
	plan, ok := s.plans[name]
	if !ok {
		return models.Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return plan, nil
}

// Names lists the available plans.
func (s *PlanSet) Names() []string {
	names := make([]string, 0, len(s.plans))
	for name := range s.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidatePlan checks plan structure against the configured subsystems.
func ValidatePlan(plan models.Plan, subsystems map[string]config.SubsystemConfig) error {
	if len(plan.Phases) == 0 {
		return fmt.Errorf("plan %q has no phases", plan.Name)
	}
	seen := make(map[string]struct{}, len(plan.Phases))
	for _, phase := range plan.Phases {
		if phase.Name == "" {
			return fmt.Errorf("plan %q has a phase without name", plan.Name)
		}
		if _, dup := seen[phase.Name]; dup {
			return fmt.Errorf("plan %q declares phase %q twice", plan.Name, phase.Name)
		}
		seen[phase.Name] = struct{}{}

		if len(phase.Systems) == 0 {
			return fmt.Errorf("phase %q has no systems", phase.Name)
		}
		if phase.Weight < 0 {
			return fmt.Errorf("phase %q has negative weight", phase.Name)
		}
		switch phase.Mode {
		case models.ModeParallel, models.ModeSequential, "":
		default:
			return fmt.Errorf("phase %q has unknown mode %q", phase.Name, phase.Mode)
		}
		for _, ref := range phase.Systems {
			if _, ok := subsystems[ref.Name]; !ok {
				return fmt.Errorf("phase %q references unknown subsystem %q", phase.Name, ref.Name)
			}
			if ref.Weight < 0 {
				return fmt.Errorf("subsystem %q in phase %q has negative weight", ref.Name, phase.Name)
			}
		}
	}
	return nil
}
