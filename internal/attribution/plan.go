package attribution

// CommandKind names what a RenderCommand does to a panel.
type CommandKind string

const (
	// CommandUpdate rewrites the main chart label.
	CommandUpdate CommandKind = "update"
	// CommandCreate inserts and renders a new study label.
	CommandCreate CommandKind = "create"
	// CommandRemove removes a label whose panel is gone.
	CommandRemove CommandKind = "remove"
)

// RenderCommand is one change to the chart's attribution overlay.
type RenderCommand struct {
	Kind      CommandKind `json:"kind"`
	Panel     string      `json:"panel"`
	StudyID   string      `json:"study_id,omitempty"`
	StudyType string      `json:"study_type,omitempty"`
	Source    string      `json:"source"`
	Exchange  string      `json:"exchange"`
}

// Composite is the concatenated label text. Catalog strings carry their own
// punctuation so no separator is added.
func (c RenderCommand) Composite() string {
	return c.Source + c.Exchange
}

// SkipReason explains why a panel got no command.
type SkipReason string

const (
	SkipNoProvenance   SkipReason = "no_provenance"
	SkipUnchanged      SkipReason = "unchanged"
	SkipNoCatalogEntry SkipReason = "no_catalog_entry"
	SkipPanelLabelled  SkipReason = "panel_labelled"
	SkipPanelNotReady  SkipReason = "panel_not_ready"
)

// Skip records a panel or study left alone by a pass.
type Skip struct {
	Panel     string     `json:"panel"`
	StudyID   string     `json:"study_id,omitempty"`
	StudyType string     `json:"study_type,omitempty"`
	Reason    SkipReason `json:"reason"`
}

// Plan is the outcome of one reconciliation pass.
type Plan struct {
	Commands []RenderCommand `json:"commands"`
	Skipped  []Skip          `json:"skipped,omitempty"`
}

// Empty reports whether the pass changes nothing.
func (p Plan) Empty() bool { return len(p.Commands) == 0 }

// Reconcile computes the commands that bring the chart's labels in line with
// snap. lastAttrib is the composite text currently shown on the main label.
//
// Study labels are first-writer-wins: when several attributable studies share a
// panel only the first one in snap.Studies order is labelled, and a panel that
// already has an attribution marker is never relabelled.
func Reconcile(cat Catalog, lastAttrib string, snap ChartSnapshot) Plan {
	return reconcile(cat, lastAttrib, snap, nil)
}

// reconcile treats the panels in known as labelled in addition to the
// snapshot's marker registry. The main panel always counts as labelled: it
// carries the main label from the moment a chart is attached.
func reconcile(cat Catalog, lastAttrib string, snap ChartSnapshot, known map[string]bool) Plan {
	plan := Plan{Commands: []RenderCommand{}}

	if snap.Provenance == nil {
		plan.Skipped = append(plan.Skipped, Skip{Panel: MainPanel, Reason: SkipNoProvenance})
	} else {
		source, exchange := resolve(cat, snap.Provenance.Source, snap.Provenance.Exchange)
		if source+exchange == lastAttrib {
			plan.Skipped = append(plan.Skipped, Skip{Panel: MainPanel, Reason: SkipUnchanged})
		} else {
			plan.Commands = append(plan.Commands, RenderCommand{
				Kind:     CommandUpdate,
				Panel:    MainPanel,
				Source:   source,
				Exchange: exchange,
			})
		}
	}

	labelled := snap.labelledPanels()
	labelled[MainPanel] = true
	for p := range known {
		labelled[p] = true
	}

	for _, st := range snap.Studies {
		source, ok := cat.LookupSource(st.Type)
		if !ok {
			plan.Skipped = append(plan.Skipped, Skip{Panel: st.Panel, StudyID: st.ID, StudyType: st.Type, Reason: SkipNoCatalogEntry})
			continue
		}
		if labelled[st.Panel] {
			plan.Skipped = append(plan.Skipped, Skip{Panel: st.Panel, StudyID: st.ID, StudyType: st.Type, Reason: SkipPanelLabelled})
			continue
		}
		if !snap.HasPanel(st.Panel) {
			plan.Skipped = append(plan.Skipped, Skip{Panel: st.Panel, StudyID: st.ID, StudyType: st.Type, Reason: SkipPanelNotReady})
			continue
		}
		exchange, _ := cat.LookupExchange(st.Type)
		plan.Commands = append(plan.Commands, RenderCommand{
			Kind:      CommandCreate,
			Panel:     st.Panel,
			StudyID:   st.ID,
			StudyType: st.Type,
			Source:    source,
			Exchange:  exchange,
		})
		labelled[st.Panel] = true
	}
	return plan
}
