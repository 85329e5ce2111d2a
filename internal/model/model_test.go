package model

import (
	"testing"
	"time"
)

func TestJobTerminal(t *testing.T) {
	cases := []struct {
		state JobState
		want  bool
	}{
		{StatePendingPayment, false},
		{StatePlaced, false},
		{StateRequested, false},
		{StateAssigned, false},
		{StateDelivered, true},
		{StateCompleted, true},
		{StateCancelled, true},
		{StateFailed, true},
	}
	for _, c := range cases {
		j := &Job{Status: c.state}
		if got := j.Terminal(); got != c.want {
			t.Errorf("Terminal(%s) = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestLedgerTransactionBalanced(t *testing.T) {
	balanced := &LedgerTransaction{Entries: []LedgerEntry{
		{Account: AccountCustomerPayments, Direction: Debit, Amount: 1000},
		{Account: AccountPlatformRevenue, Direction: Credit, Amount: 200},
		{Account: AccountCaptainPayable, Direction: Credit, Amount: 800},
	}}
	if !balanced.Balanced() {
		t.Errorf("balanced transaction reported unbalanced")
	}

	unbalanced := &LedgerTransaction{Entries: []LedgerEntry{
		{Account: AccountCustomerPayments, Direction: Debit, Amount: 1000},
		{Account: AccountPlatformRevenue, Direction: Credit, Amount: 999},
	}}
	if unbalanced.Balanced() {
		t.Errorf("unbalanced transaction reported balanced")
	}

	empty := &LedgerTransaction{}
	if empty.Balanced() {
		t.Errorf("empty transaction reported balanced")
	}

	nonPositive := &LedgerTransaction{Entries: []LedgerEntry{
		{Account: AccountCustomerPayments, Direction: Debit, Amount: 0},
		{Account: AccountPlatformRevenue, Direction: Credit, Amount: 0},
	}}
	if nonPositive.Balanced() {
		t.Errorf("zero-amount transaction reported balanced")
	}

	badDirection := &LedgerTransaction{Entries: []LedgerEntry{
		{Account: AccountCustomerPayments, Direction: EntryDirection("SIDEWAYS"), Amount: 100},
		{Account: AccountPlatformRevenue, Direction: Credit, Amount: 100},
	}}
	if badDirection.Balanced() {
		t.Errorf("unknown-direction transaction reported balanced")
	}
}

func TestOfferExpired(t *testing.T) {
	deadline := time.Now()
	o := &Offer{ExpiresAt: deadline}

	if o.Expired(deadline.Add(-time.Second)) {
		t.Errorf("offer expired before its deadline")
	}
	if !o.Expired(deadline) {
		t.Errorf("offer alive at its deadline")
	}
	if !o.Expired(deadline.Add(time.Second)) {
		t.Errorf("offer alive past its deadline")
	}
}
