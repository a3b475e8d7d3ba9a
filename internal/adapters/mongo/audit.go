package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger appends one document per committed reservation change.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
	now    func() time.Time
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type AuditLog struct {
	ID             string    `bson:"_id"`
	Action         string    `bson:"action"`
	ReservationIDs []string  `bson:"reservation_ids"`
	TourID         string    `bson:"tour_id,omitempty"`
	Timestamp      time.Time `bson:"timestamp"`
	Data           bson.M    `bson:"data"`
}

// EnsureIndexes creates the lookup index used to fetch a reservation's
// history.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "reservation_ids", Value: 1}, {Key: "timestamp", Value: 1}},
		Options: options.Index().SetName("reservation_history"),
	})
	return err
}

func (a *AuditLogger) LogEvent(ctx context.Context, entry AuditLog) error {
	entry.ID = uuid.NewString()
	entry.Timestamp = a.now()
	if _, err := a.coll.InsertOne(ctx, entry); err != nil {
		a.logger.WithError(err).WithField("action", entry.Action).Error("failed to insert audit log")
		return err
	}
	return nil
}

func (a *AuditLogger) LogReservation(ctx context.Context, action string, r domain.Reservation) error {
	return a.LogEvent(ctx, AuditLog{
		Action:         action,
		ReservationIDs: []string{r.ID.String()},
		TourID:         r.TourID.String(),
		Data: bson.M{
			"status":            string(r.Status),
			"number_of_people":  r.NumberOfPeople,
			"total_price_cents": r.TotalPriceCents,
			"customer_email":    r.Customer.Email,
		},
	})
}

func (a *AuditLogger) LogBulk(ctx context.Context, action string, ids []string, summary map[string]interface{}) error {
	return a.LogEvent(ctx, AuditLog{
		Action:         action,
		ReservationIDs: ids,
		Data:           bson.M(summary),
	})
}

// LogDrift records a capacity drift finding against the tour.
func (a *AuditLogger) LogDrift(ctx context.Context, tourID uuid.UUID, data map[string]interface{}) error {
	return a.LogEvent(ctx, AuditLog{
		Action:         "capacity.drift",
		ReservationIDs: []string{},
		TourID:         tourID.String(),
		Data:           bson.M(data),
	})
}

// TourHistory returns the audit documents recorded against the tour, oldest
// first.
func (a *AuditLogger) TourHistory(ctx context.Context, tourID uuid.UUID) ([]AuditLog, error) {
	return a.find(ctx, bson.M{"tour_id": tourID.String()})
}

// History returns the audit documents that mention the reservation, oldest
// first.
func (a *AuditLogger) History(ctx context.Context, reservationID uuid.UUID) ([]AuditLog, error) {
	return a.find(ctx, bson.M{"reservation_ids": reservationID.String()})
}

func (a *AuditLogger) find(ctx context.Context, filter bson.M) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
