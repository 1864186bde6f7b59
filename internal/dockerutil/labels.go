package dockerutil

import "fmt"

// Label keys used for agentcoord resources
const (
	LabelProject    = "agentcoord.project"
	LabelWorkerName = "agentcoord.worker.name"
	LabelWorkerTags = "agentcoord.worker.tags"
	LabelComponent  = "agentcoord.component"
)

// BuildLabels creates the standard label set for spawned worker containers,
// so orphaned containers can be found and pruned by name or tag.
func BuildLabels(workerName, tags string) map[string]string {
	labels := map[string]string{
		LabelProject:    "true",
		LabelWorkerName: workerName,
		LabelComponent:  "worker",
	}
	if tags != "" {
		labels[LabelWorkerTags] = tags
	}
	return labels
}

// WorkerContainerName returns the container name for a spawned worker.
func WorkerContainerName(workerID string) string {
	return fmt.Sprintf("agentcoord-worker-%s", workerID)
}
