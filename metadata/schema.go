package metadata

const schemaSQL = `
begin;

create table if not exists schema_version (
	-- the version of the schema, for upgrading
	version integer primary key not null
);
insert or ignore into schema_version (version) values (1);

create table if not exists series (
	-- each series gets a numeric id
	series_id integer primary key autoincrement,
	-- the name the caller refers to this series by
	name text not null,
	-- which generation this series first appeared in; the series is
	-- invisible to transactions whose generation predates this one
	generation integer not null,
	-- immutable row format string, set once at creation
	format text not null
);

create index if not exists series_name on series (name collate binary);
create index if not exists series_gen on series (generation);

-- which blocks belong to which series
create table if not exists series_blocks (
	series_id integer not null,
	-- generation that last modified this block, for backup/visibility
	generation integer not null,
	first_timestamp integer not null,
	last_timestamp integer not null,
	offset integer not null,
	capacity integer not null,
	size integer not null,
	constraint series_ts primary key (series_id, first_timestamp)
);

commit;
`
