package redis

// Redis key naming conventions for flowstate data.
// All keys are prefixed with "flowstate:" to avoid collisions.

const keyPrefix = "flowstate:"

// ── State keys ──

// stateKey returns the key for a state blob: flowstate:state:{id}
func stateKey(id string) string { return keyPrefix + "state:" + id }

// stateIDsKey is the Set tracking all state IDs for enumeration.
const stateIDsKey = keyPrefix + "state_ids"

// workflowStatesKey returns the Sorted Set indexing states of a workflow
// by creation time: flowstate:workflow_states:{workflowID}
func workflowStatesKey(workflowID string) string {
	return keyPrefix + "workflow_states:" + workflowID
}

// ── Checkpoint keys ──

// checkpointKey returns the key for a checkpoint blob: flowstate:checkpoint:{id}
func checkpointKey(id string) string { return keyPrefix + "checkpoint:" + id }
