package ledger

const (
	OperationGrant       = "grant"
	OperationRevoke      = "revoke"
	OperationSpend       = "spend"
	OperationGift        = "gift"
	OperationAddFunds    = "add_funds"
	OperationDeductFunds = "deduct_funds"
	OperationBeginTopup  = "begin_topup"
	OperationSettleTopup = "settle_topup"
	OperationTrialCredit = "trial_credit"
	OperationRenew       = "renew"

	OperationStatusOK    = "ok"
	OperationStatusError = "error"

	idempotencyKeyDelimiter = ":"
)
