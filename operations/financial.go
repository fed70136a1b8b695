package operations

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/protocol"
)

// FinancialReport is the aggregated reading of a financial-totals request:
// ticket/item counts plus the five payment-bucket totals the register
// reports across its C22 records.
type FinancialReport struct {
	TicketsIssued    int
	ItemsSold        int
	PaymentAmount    decimal.Decimal
	InflowAmount     decimal.Decimal
	OutflowAmount    decimal.Decimal
	DrawerAmount     decimal.Decimal
	PaymentsInPeriod decimal.Decimal
}

// PaymentRecord is one itemized C22 record, as PaymentMethodsDetail returns
// them instead of FinancialReport's rollup.
type PaymentRecord struct {
	RecordID string
	Operator string
	Document string
	Amount   decimal.Decimal
}

// sumCentsFields sums the amount fields of a C22 record: fields [5,7,9,...]
// up to but excluding the last two fields (operator, document), each an
// integer-cent value divided by 100.
func sumCentsFields(m protocol.MessageData) decimal.Decimal {
	sum := decimal.Zero
	last := m.Len() - 2
	for i := 5; i < last; i += 2 {
		cents, err := strconv.ParseInt(m.Field(i), 10, 64)
		if err != nil {
			continue
		}
		sum = sum.Add(decimal.New(cents, -2))
	}
	return sum
}

// financialRecords drains C22 records until the terminator (field 3 == "*"),
// invoking onRecord for every other record. Record-id "0" carries ticket and
// item counts, not a payment amount, and is skipped by callers that only
// want payment buckets.
func (s *Session) financialRecords(onRecord func(recordID string, m protocol.MessageData)) error {
	if err := s.answerHello("0;+2;*f", nil); err != nil {
		return err
	}
	for {
		var terminator bool
		err := s.Console.Listen(console.Listener{
			Accepts: console.Accept("C22"),
			Handle: func(m protocol.MessageData) error {
				recordID := m.Field(3)
				if recordID == "*" {
					terminator = true
					return nil
				}
				onRecord(recordID, m)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if terminator {
			return nil
		}
	}
}

// FinancialReport requests and aggregates the register's financial totals.
func (s *Session) FinancialReport() (FinancialReport, error) {
	var report FinancialReport
	err := s.financialRecords(func(recordID string, m protocol.MessageData) {
		switch {
		case recordID == "0":
			tickets, _ := strconv.Atoi(m.Field(4))
			items, _ := strconv.Atoi(m.Field(5))
			report.TicketsIssued += tickets
			report.ItemsSold += items
		case strings.HasPrefix(recordID, "4"):
			report.PaymentAmount = report.PaymentAmount.Add(sumCentsFields(m))
		case strings.HasPrefix(recordID, "6"):
			report.InflowAmount = report.InflowAmount.Add(sumCentsFields(m))
		case strings.HasPrefix(recordID, "7"):
			report.OutflowAmount = report.OutflowAmount.Add(sumCentsFields(m))
		case strings.HasPrefix(recordID, "8"):
			report.DrawerAmount = report.DrawerAmount.Add(sumCentsFields(m))
		case strings.HasPrefix(recordID, "9"):
			report.PaymentsInPeriod = report.PaymentsInPeriod.Add(sumCentsFields(m))
		}
	})
	return report, err
}

// PaymentMethodsDetail requests the same financial-totals conversation as
// FinancialReport but returns each payment-bucket record individually
// instead of rolling them up, for callers that want a per-method breakdown.
func (s *Session) PaymentMethodsDetail() ([]PaymentRecord, error) {
	var records []PaymentRecord
	err := s.financialRecords(func(recordID string, m protocol.MessageData) {
		if recordID == "0" {
			return
		}
		n := m.Len()
		if n < 7 {
			return
		}
		records = append(records, PaymentRecord{
			RecordID: recordID,
			Operator: m.Field(n - 2),
			Document: m.Field(n - 1),
			Amount:   sumCentsFields(m),
		})
	})
	return records, err
}

// FiscalClosing requests a fiscal day closing, refusing if the register
// already reports a fiscal memory error or a full fiscal memory, then
// answers the B45 confirmation that follows with the default command.
func (s *Session) FiscalClosing() error {
	if err := s.answerHello("0;+3;#Z", checkFiscalMemory); err != nil {
		return err
	}
	return s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B45"),
		Handle: func(protocol.MessageData) (protocol.MessageData, error) {
			return protocol.NewMessage(defaultCommand)
		},
	})
}
