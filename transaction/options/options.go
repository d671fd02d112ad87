package options

// TransactionOptions represent options that can be used to configure a Find operation
type TransactionOptions struct {
	// filters transactions that match any id in this slice
	IDs []string
	// filters transactions of any of these types
	Types []string
	// filters transactions touching this account, in any role
	AccountNumber string
	// filters transactions that have an amount in this range (inclusive)
	Amount *DecimalRange
	// filters transactions that were created in this range (inclusive)
	Timestamp *TimeRange
	// caps the number of results, 0 means no limit
	Limit int
}

func NewTransactionOptions() *TransactionOptions {
	return &TransactionOptions{}
}

func (o *TransactionOptions) SetIDs(v ...string) *TransactionOptions {
	o.IDs = v
	return o
}

func (o *TransactionOptions) SetTypes(v ...string) *TransactionOptions {
	o.Types = v
	return o
}

func (o *TransactionOptions) SetAccountNumber(v string) *TransactionOptions {
	o.AccountNumber = v
	return o
}

func (o *TransactionOptions) SetAmountRange(v *DecimalRange) *TransactionOptions {
	o.Amount = v
	return o
}

func (o *TransactionOptions) SetTimeRange(v *TimeRange) *TransactionOptions {
	o.Timestamp = v
	return o
}

func (o *TransactionOptions) SetLimit(v int) *TransactionOptions {
	o.Limit = v
	return o
}
