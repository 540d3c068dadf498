package directors

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kitedb/src/engine"
	"kitedb/src/helpers"
	"kitedb/src/models"
)

// ErrExit is returned for the exit command; the caller ends the session.
var ErrExit = errors.New("session ended")

// CommandResponse is the result of one console command.
type CommandResponse struct {
	ResultCount int         `json:"result_count"`
	Result      interface{} `json:"result"`
}

// Session holds the console state of one client: the selected database
// and the transaction it started.
type Session struct {
	services *ServiceManager
	logger   *zap.SugaredLogger

	database *engine.Database
	tx       *engine.Transaction
}

// NewSession starts a session with no database selected.
func NewSession(services *ServiceManager, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{services: services, logger: logger}
}

// Database returns the selected database, or nil.
func (s *Session) Database() *engine.Database { return s.database }

// CommandDirector executes one console line. Keywords are case-insensitive;
// anything else must be a collection command such as users.find{...}.
func (s *Session) CommandDirector(command string) (*CommandResponse, error) {
	command = strings.TrimSpace(command)
	command = strings.TrimSuffix(command, ";")
	commandParts := strings.Fields(command)
	if len(commandParts) == 0 {
		return nil, &engine.Error{Kind: engine.KindValidation, Op: "parse", Msg: "empty command"}
	}

	switch strings.ToLower(commandParts[0]) {
	case "exit", "quit":
		return nil, ErrExit

	case "use":
		if len(commandParts) != 2 {
			return nil, fmt.Errorf("USE requires a database name")
		}
		return s.use(helpers.StripQuotes(commandParts[1]))

	case "show":
		if len(commandParts) != 2 {
			return nil, fmt.Errorf("SHOW requires DATABASES or COLLECTIONS")
		}
		switch strings.ToLower(commandParts[1]) {
		case "databases":
			names, err := s.services.DatabaseService.ListDatabases()
			if err != nil {
				return nil, err
			}
			return &CommandResponse{ResultCount: len(names), Result: names}, nil
		case "collections":
			db, err := s.selected()
			if err != nil {
				return nil, err
			}
			names := db.ListCollections()
			return &CommandResponse{ResultCount: len(names), Result: names}, nil
		}
		return nil, fmt.Errorf("unknown SHOW target: %s", commandParts[1])

	case "begin":
		db, err := s.selected()
		if err != nil {
			return nil, err
		}
		tx, err := db.BeginTransaction()
		if err != nil {
			return nil, err
		}
		s.tx = tx
		return &CommandResponse{ResultCount: 1, Result: fmt.Sprintf("Transaction %s started.", tx.ID)}, nil

	case "commit":
		if s.tx == nil {
			return nil, &engine.Error{Kind: engine.KindTransaction, Op: "commit", Msg: "no active transaction"}
		}
		tx := s.tx
		s.tx = nil
		count := len(tx.Operations())
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: count, Result: fmt.Sprintf("Transaction %s committed.", tx.ID)}, nil

	case "rollback":
		if s.tx == nil {
			return &CommandResponse{Result: "No active transaction."}, nil
		}
		tx := s.tx
		s.tx = nil
		count := len(tx.Operations())
		if err := tx.Rollback(); err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: count, Result: fmt.Sprintf("Transaction %s rolled back.", tx.ID)}, nil
	}

	return s.execute(command)
}

func (s *Session) use(name string) (*CommandResponse, error) {
	if s.tx != nil && s.tx.Active() {
		return nil, &engine.Error{Kind: engine.KindTransaction, Op: "use", Msg: "commit or roll back the active transaction first"}
	}
	db, err := s.services.DatabaseService.GetDatabase(name)
	if err != nil {
		return nil, err
	}
	s.database = db
	s.tx = nil
	s.logger.Infof("Session switched to database %s", name)
	return &CommandResponse{ResultCount: 1, Result: fmt.Sprintf("Using database '%s'.", name)}, nil
}

func (s *Session) selected() (*engine.Database, error) {
	if s.database == nil {
		return nil, fmt.Errorf("no database selected, run USE <database> first")
	}
	return s.database, nil
}

// execute runs a parsed collection command against the selected database.
func (s *Session) execute(command string) (*CommandResponse, error) {
	cmd, err := engine.ParseCommand(command)
	if err != nil {
		return nil, err
	}
	db, err := s.selected()
	if err != nil {
		return nil, err
	}

	switch cmd.Operation {
	case engine.OpCreate:
		if err := db.CreateCollection(cmd.Collection, cmd.Schema); err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: 1, Result: fmt.Sprintf("Collection '%s' created.", cmd.Collection)}, nil

	case engine.OpDrop:
		deferred, err := db.DropCollection(cmd.Collection)
		if err != nil {
			return nil, err
		}
		if deferred {
			return deferredResponse(), nil
		}
		return &CommandResponse{ResultCount: 1, Result: fmt.Sprintf("Collection '%s' dropped.", cmd.Collection)}, nil
	}

	coll, err := db.GetCollection(cmd.Collection)
	if err != nil {
		return nil, err
	}

	switch cmd.Operation {
	case engine.OpFind:
		docs, err := coll.Find(cmd.Query)
		if err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: len(docs), Result: docs}, nil

	case engine.OpAdd:
		res, err := coll.Insert(cmd.Data...)
		return mutationResponse(res, err, func(res engine.Result) interface{} {
			return fmt.Sprintf("Inserted %d document(s) at positions %v.", len(res.Positions), res.Positions)
		})

	case engine.OpUpdate:
		res, err := coll.Update(cmd.Query, cmd.Data...)
		return mutationResponse(res, err, func(res engine.Result) interface{} {
			return fmt.Sprintf("Updated %d document(s).", res.Count)
		})

	case engine.OpDelete:
		res, err := coll.Delete(cmd.Query)
		return mutationResponse(res, err, func(res engine.Result) interface{} {
			return fmt.Sprintf("Deleted %d document(s).", res.Count)
		})
	}
	return nil, fmt.Errorf("unsupported operation: %s", cmd.Operation)
}

func mutationResponse(res engine.Result, err error, describe func(engine.Result) interface{}) (*CommandResponse, error) {
	if err != nil {
		return nil, err
	}
	if res.Deferred {
		return deferredResponse(), nil
	}
	return &CommandResponse{ResultCount: res.Count, Result: describe(res)}, nil
}

func deferredResponse() *CommandResponse {
	return &CommandResponse{Result: "Operation logged in transaction."}
}

// FormatResult renders a response for the console.
func FormatResult(resp *CommandResponse) string {
	if resp == nil {
		return ""
	}
	switch result := resp.Result.(type) {
	case string:
		return result
	case []models.Document:
		if len(result) == 0 {
			return "No documents found."
		}
		lines := make([]string, len(result))
		for i, doc := range result {
			lines[i] = doc.String()
		}
		return strings.Join(lines, "\n")
	case []string:
		if len(result) == 0 {
			return "(none)"
		}
		return strings.Join(result, "\n")
	}
	return fmt.Sprintf("%v", resp.Result)
}
