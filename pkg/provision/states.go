package provision

// State is a step of the provisioning state machine.
type State string

const (
	StateStart                          State = "Start"
	StateVerifyNotificationSubscription State = "VerifyNotificationSubscription"
	StateVerifyCredentials              State = "VerifyCredentials"
	StateInitializeOrganization         State = "InitializeOrganization"
	StateCreateAccounts                 State = "CreateAccounts"
	StateInviteAccounts                 State = "InviteAccounts"
	StateDeployFramework                State = "DeployFramework"
	StateNotifySuccess                  State = "NotifySuccess"
	StateNotifyFailure                  State = "NotifyFailure"
	StateFailed                         State = "Failed"
)

// Sequence is the forward path from Start to NotifySuccess.
var Sequence = []State{
	StateStart,
	StateVerifyNotificationSubscription,
	StateVerifyCredentials,
	StateInitializeOrganization,
	StateCreateAccounts,
	StateInviteAccounts,
	StateDeployFramework,
	StateNotifySuccess,
}

// IsTerminal reports whether the state ends a run.
func (s State) IsTerminal() bool {
	return s == StateNotifySuccess || s == StateFailed
}

// Retries reports whether the state retries retryable errors. Only the
// subscription check and the invitations bridge propagation delays.
func (s State) Retries() bool {
	return s == StateVerifyNotificationSubscription || s == StateInviteAccounts
}

func (s State) String() string {
	return string(s)
}
