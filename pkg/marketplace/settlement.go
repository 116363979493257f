package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// settlementResult carries what the critical path committed, for the
// post-commit auxiliary effects.
type settlementResult struct {
	job         Job
	transaction LedgerTransaction
	event       DomainEvent
	balanceNext int64
}

// privilegedWriteRecord tracks a balance committed through the privileged
// writer, which lands outside the settlement transaction and must be restored
// by hand if that transaction fails.
type privilegedWriteRecord struct {
	done     bool
	userID   string
	previous int64
}

// ConfirmJobCompletion is the terminal customer action on a completed job. It
// settles the payment: ledger transaction, wallet fee deduction, confirmation
// stamp, and outbox event commit as one atomic unit; audit trail, stats, and
// notifications follow after the commit and never fail the operation.
//
// The confirmation stamp is a compare-and-set on customer_confirmed_at, so a
// second confirmation of the same job returns the settled job without side
// effects.
func (service *Service) ConfirmJobCompletion(ctx context.Context, principal Principal, jobID JobID) (Job, error) {
	var result settlementResult
	var privilegedWrite privilegedWriteRecord
	alreadySettled := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, jobID.String())
		if err != nil {
			return err
		}
		if job.CustomerID != principal.UserID().String() {
			return fmt.Errorf("%w: only the job owner may confirm completion", ErrNotAuthorized)
		}
		if !job.CustomerConfirmedAt.IsZero() {
			alreadySettled = true
			result.job = job
			return nil
		}
		if job.Status != JobStatusCompleted || job.CompletedAt.IsZero() {
			return fmt.Errorf("%w: job is not completed", ErrJobStateConflict)
		}
		if job.AssignedTaskerID == "" {
			return fmt.Errorf("%w: completed job has no assigned tasker", ErrJobStateConflict)
		}

		confirmedAt := service.nowFunc()
		err = transactionStore.ConfirmJob(ctx, job.JobID, confirmedAt)
		if errors.Is(err, ErrJobAlreadySettled) {
			// A concurrent confirmation won the compare-and-set.
			alreadySettled = true
			result.job, err = transactionStore.GetJob(ctx, jobID.String())
			return err
		}
		if err != nil {
			return err
		}

		totalAmount := job.SettlementAmount()
		platformFee := AmountCents(totalAmount.Int64() * service.feePercent / 100)
		netAmount := totalAmount - platformFee

		// Funds check before anything commits: an abort here rolls the
		// confirmation stamp back and leaves the job retryable.
		balance, err := transactionStore.GetWalletBalance(ctx, job.AssignedTaskerID)
		if err != nil {
			return err
		}
		if balance-platformFee.Int64() < 0 {
			return fmt.Errorf("%w: tasker balance %d cannot cover fee %d", ErrInsufficientFunds, balance, platformFee)
		}

		transaction, err := transactionStore.CreateTransaction(ctx, LedgerTransaction{
			JobID:            job.JobID,
			PayerID:          job.CustomerID,
			PayeeID:          job.AssignedTaskerID,
			AmountCents:      totalAmount,
			PlatformFeeCents: platformFee,
			Status:           PaymentStatusPaid,
			ProcessedAt:      confirmedAt,
			CreatedAt:        confirmedAt,
		})
		if err != nil {
			return err
		}

		payloadJSON, err := SettlementPayload{
			JobID:            job.JobID,
			TransactionID:    transaction.TransactionID,
			CustomerID:       job.CustomerID,
			TaskerID:         job.AssignedTaskerID,
			AmountCents:      totalAmount.Int64(),
			PlatformFeeCents: platformFee.Int64(),
			NetAmountCents:   netAmount.Int64(),
			Currency:         job.Currency,
		}.Encode()
		if err != nil {
			return err
		}
		event, err := transactionStore.CreateEvent(ctx, DomainEvent{
			JobID:       job.JobID,
			Type:        EventJobSettled,
			PayloadJSON: payloadJSON,
			CreatedAt:   confirmedAt,
		})
		if err != nil {
			return err
		}

		// The privileged writer commits on its own session, outside this
		// transaction, so the wallet write goes last.
		balanceNext := balance - platformFee.Int64()
		privileged, walletError := service.writeWalletBalance(ctx, transactionStore, job.AssignedTaskerID, balance, balanceNext)
		if privileged {
			privilegedWrite = privilegedWriteRecord{done: true, userID: job.AssignedTaskerID, previous: balance}
		}
		if walletError != nil {
			return walletError
		}

		result = settlementResult{
			job:         job,
			transaction: transaction,
			event:       event,
			balanceNext: balanceNext,
		}
		result.job.CustomerConfirmedAt = confirmedAt
		result.job.UpdatedAt = confirmedAt
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirmJob,
		Principal: principal.UserID(),
		JobID:     jobID.String(),
		Amount:    result.transaction.AmountCents,
		Error:     operationError,
	})
	if operationError != nil {
		if privilegedWrite.done {
			service.revertPrivilegedWrite(ctx, privilegedWrite)
		}
		return Job{}, operationError
	}
	if alreadySettled {
		return result.job, nil
	}

	service.appendAuditEntry(ctx, result)
	service.dispatchEvent(ctx, result.event)
	return result.job, nil
}

// writeWalletBalance mutates the tasker's balance, preferring the privileged
// execution path when one is wired and degrading to the store's
// compare-and-set. Either way the stored value is verified by a re-read; a
// mismatch is a lost update and fails the settlement. The bool reports whether
// the privileged path committed, so the caller can revert it if the
// surrounding transaction fails.
func (service *Service) writeWalletBalance(ctx context.Context, transactionStore Store, userID string, expected int64, next int64) (bool, error) {
	privileged := false
	if service.walletWriter != nil {
		writeError := service.walletWriter.SetBalance(ctx, userID, next)
		if writeError != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationSettle,
				Status:    operationStatusError,
				Error:     WrapError(operationSettle, "wallet", "privileged_write", writeError),
			})
			if err := transactionStore.CompareAndSetWalletBalance(ctx, userID, expected, next); err != nil {
				return false, err
			}
		} else {
			privileged = true
		}
	} else {
		if err := transactionStore.CompareAndSetWalletBalance(ctx, userID, expected, next); err != nil {
			return false, err
		}
	}
	verified, err := transactionStore.GetWalletBalance(ctx, userID)
	if err != nil {
		return privileged, err
	}
	if verified != next {
		return privileged, fmt.Errorf("%w: expected %d, stored %d", ErrBalanceMismatch, next, verified)
	}
	return privileged, nil
}

// revertPrivilegedWrite restores the balance the privileged writer committed
// after the settlement transaction rolled back. A failure here is an integrity
// error and is logged for reconciliation.
func (service *Service) revertPrivilegedWrite(ctx context.Context, record privilegedWriteRecord) {
	if service.walletWriter == nil {
		return
	}
	if err := service.walletWriter.SetBalance(ctx, record.userID, record.previous); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationSettle,
			Status:    operationStatusError,
			Error:     WrapError(operationSettle, "wallet", "revert", err),
		})
	}
}

// appendAuditEntry records the wallet mutation in the audit trail.
// Best-effort: a failure is logged and swallowed.
func (service *Service) appendAuditEntry(ctx context.Context, result settlementResult) {
	notes := fmt.Sprintf(`{"transaction_id":%s,"balance_after":%d}`,
		strconv.Quote(result.transaction.TransactionID), result.balanceNext)
	err := service.store.CreateWalletAudit(ctx, WalletAuditEntry{
		UserID:       result.job.AssignedTaskerID,
		AmountCents:  -result.transaction.PlatformFeeCents.Int64(),
		Type:         auditTypeFeeDeduction,
		RelatedJobID: result.job.JobID,
		NotesJSON:    notes,
		CreatedAt:    service.nowFunc(),
	})
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationSettle,
			JobID:     result.job.JobID,
			Status:    operationStatusError,
			Error:     WrapError(operationSettle, "wallet_audit", "append", err),
		})
	}
}

// dispatchEvent runs the post-commit consumers. Consumer failures are logged
// and swallowed; the event stays unprocessed for later inspection.
func (service *Service) dispatchEvent(ctx context.Context, event DomainEvent) {
	consumed := true
	for _, consumer := range service.consumers {
		if err := consumer.ConsumeEvent(ctx, event); err != nil {
			consumed = false
			service.logOperation(ctx, OperationLog{
				Operation: operationSettle,
				JobID:     event.JobID,
				Status:    operationStatusError,
				Error:     WrapError(operationSettle, string(event.Type), "consume", err),
			})
		}
	}
	if !consumed {
		return
	}
	if err := service.store.MarkEventProcessed(ctx, event.EventID, service.nowFunc()); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationSettle,
			JobID:     event.JobID,
			Status:    operationStatusError,
			Error:     WrapError(operationSettle, string(event.Type), "mark_processed", err),
		})
	}
}

// statsConsumer applies the per-user rollup increments for a settlement.
type statsConsumer struct {
	store Store
}

func (consumer *statsConsumer) ConsumeEvent(ctx context.Context, event DomainEvent) error {
	if event.Type != EventJobSettled {
		return nil
	}
	payload, err := DecodeSettlementPayload(event.PayloadJSON)
	if err != nil {
		return err
	}
	if err := consumer.store.UpsertUserStats(ctx, StatsDelta{
		UserID:             payload.TaskerID,
		CompletedJobs:      1,
		TotalEarningsCents: payload.NetAmountCents,
	}); err != nil {
		return err
	}
	return consumer.store.UpsertUserStats(ctx, StatsDelta{
		UserID:          payload.CustomerID,
		TotalSpentCents: payload.AmountCents,
	})
}

// settlementNotifyConsumer tells both parties about the settled payment.
type settlementNotifyConsumer struct {
	service *Service
}

func (consumer *settlementNotifyConsumer) ConsumeEvent(ctx context.Context, event DomainEvent) error {
	if event.Type != EventJobSettled {
		return nil
	}
	payload, err := DecodeSettlementPayload(event.PayloadJSON)
	if err != nil {
		return err
	}
	amount := strconv.FormatInt(payload.AmountCents, 10)
	consumer.service.notify(ctx, payload.CustomerID, NotificationPaymentReceived, map[string]string{
		"job_id":       payload.JobID,
		"amount_cents": amount,
		"currency":     payload.Currency,
	})
	consumer.service.notify(ctx, payload.TaskerID, NotificationJobConfirmed, map[string]string{
		"job_id":       payload.JobID,
		"amount_cents": strconv.FormatInt(payload.NetAmountCents, 10),
		"currency":     payload.Currency,
	})
	return nil
}
