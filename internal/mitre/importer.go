package mitre

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/storage"
)

// Importer seeds the store with a baseline ATT&CK catalog: techniques,
// known adversary groups with their aliases, and knowledge-base events
// linking each group to the techniques it is documented using. Re-running
// the import is idempotent.
type Importer struct {
	store  *storage.Store
	logger *zap.Logger
}

// NewImporter creates a catalog importer.
func NewImporter(store *storage.Store, logger *zap.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// group is one seeded adversary with its documented technique usage.
type group struct {
	name        string
	aliases     []string
	description string
	techniques  []string
}

// seedTechniques is the baseline technique catalog. It covers every TID the
// keyword table can emit plus the techniques the seeded groups reference.
var seedTechniques = []diamond.MitreMapping{
	{TID: "T1003", TechniqueName: "OS Credential Dumping"},
	{TID: "T1003.001", TechniqueName: "LSASS Memory"},
	{TID: "T1021", TechniqueName: "Remote Services"},
	{TID: "T1021.001", TechniqueName: "Remote Desktop Protocol"},
	{TID: "T1041", TechniqueName: "Exfiltration Over C2 Channel"},
	{TID: "T1053.005", TechniqueName: "Scheduled Task"},
	{TID: "T1055", TechniqueName: "Process Injection"},
	{TID: "T1059", TechniqueName: "Command and Scripting Interpreter"},
	{TID: "T1059.001", TechniqueName: "PowerShell"},
	{TID: "T1071", TechniqueName: "Application Layer Protocol"},
	{TID: "T1078", TechniqueName: "Valid Accounts"},
	{TID: "T1083", TechniqueName: "File and Directory Discovery"},
	{TID: "T1105", TechniqueName: "Ingress Tool Transfer"},
	{TID: "T1110", TechniqueName: "Brute Force"},
	{TID: "T1110.003", TechniqueName: "Password Spraying"},
	{TID: "T1190", TechniqueName: "Exploit Public-Facing Application"},
	{TID: "T1195", TechniqueName: "Supply Chain Compromise"},
	{TID: "T1486", TechniqueName: "Data Encrypted for Impact"},
	{TID: "T1505.003", TechniqueName: "Web Shell"},
	{TID: "T1566", TechniqueName: "Phishing"},
	{TID: "T1566.001", TechniqueName: "Spearphishing Attachment"},
	{TID: "T1566.002", TechniqueName: "Spearphishing Link"},
	{TID: "T1574.002", TechniqueName: "DLL Side-Loading"},
}

// seedGroups carries the documented group-to-technique knowledge base.
var seedGroups = []group{
	{
		name:        "APT28",
		aliases:     []string{"Fancy Bear", "Sofacy", "STRONTIUM", "Sednit"},
		description: "Russian state-sponsored espionage group",
		techniques:  []string{"T1566.002", "T1059.001", "T1003.001", "T1078"},
	},
	{
		name:        "APT29",
		aliases:     []string{"Cozy Bear", "The Dukes", "NOBELIUM"},
		description: "Russian state-sponsored espionage group",
		techniques:  []string{"T1566.001", "T1195", "T1078", "T1021.001"},
	},
	{
		name:        "Lazarus Group",
		aliases:     []string{"HIDDEN COBRA", "Zinc", "Guardians of Peace"},
		description: "North Korean state-sponsored group",
		techniques:  []string{"T1566.001", "T1105", "T1486", "T1055"},
	},
	{
		name:        "FIN7",
		aliases:     []string{"Carbanak", "Carbon Spider"},
		description: "Financially motivated intrusion group",
		techniques:  []string{"T1566.001", "T1059.001", "T1053.005"},
	},
	{
		name:        "Wizard Spider",
		aliases:     []string{"UNC1878", "Grim Spider"},
		description: "Ransomware-focused criminal group behind TrickBot and Conti",
		techniques:  []string{"T1486", "T1021.001", "T1003", "T1110.003"},
	},
	{
		name:        "APT41",
		aliases:     []string{"Double Dragon", "BARIUM", "Winnti"},
		description: "Chinese group conducting both espionage and financially motivated operations",
		techniques:  []string{"T1190", "T1505.003", "T1574.002", "T1071"},
	},
}

// Import writes the catalog, the seeded groups, and the knowledge-base
// events. Knowledge-base events carry confidence 1.0: they restate the
// catalog, not an observation.
func (imp *Importer) Import(ctx context.Context) error {
	now := time.Now().UTC()

	for _, t := range seedTechniques {
		if err := imp.store.UpsertMitreMapping(ctx, t); err != nil {
			return err
		}
	}

	groups, links := 0, 0
	for _, g := range seedGroups {
		res, err := imp.store.UpsertAdversary(ctx, g.name, g.description, g.aliases, now)
		if err != nil {
			return err
		}
		if res.Created {
			groups++
		}

		for _, tid := range g.techniques {
			exists, err := imp.store.HasAdversaryTechnique(ctx, res.ID, tid)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			_, err = imp.store.InsertEvent(ctx, &diamond.Event{
				EventTime:       now,
				Description:     "ATT&CK knowledge base: " + g.name + " uses " + tid,
				AdversaryID:     res.ID,
				MitreTID:        tid,
				ConfidenceScore: 1.0,
			})
			if err != nil {
				return err
			}
			links++
		}
	}

	imp.logger.Info("catalog import complete",
		zap.Int("techniques", len(seedTechniques)),
		zap.Int("new_groups", groups),
		zap.Int("new_links", links))
	return nil
}
